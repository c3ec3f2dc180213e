package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/richard-senior/podds/internal/logger"
	"github.com/richard-senior/podds/pkg/protocol"
)

// MalformedError is returned by ReadRequest for a line that is not a valid
// request. The stream itself is still usable.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string {
	return "malformed request: " + e.Err.Error()
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// StreamTransport exchanges newline-delimited JSON-RPC messages
type StreamTransport struct {
	reader *bufio.Reader
	closer io.Closer
	mu     sync.Mutex
	writer *bufio.Writer
}

// NewStdioTransport uses the process stdin and stdout
func NewStdioTransport() *StreamTransport {
	return NewStreamTransport(os.Stdin, os.Stdout)
}

// NewStreamTransport reads requests from r and writes responses to w
func NewStreamTransport(r io.Reader, w io.Writer) *StreamTransport {
	t := &StreamTransport{
		reader: bufio.NewReader(r),
		writer: bufio.NewWriter(w),
	}
	if c, ok := r.(io.Closer); ok {
		t.closer = c
	}
	return t
}

// Close closes the request stream when it can be closed, which unblocks a
// pending ReadRequest. A terminal stdin may not unblock until the next line.
func (t *StreamTransport) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// ReadRequest blocks for the next request. io.EOF means the client went away.
func (t *StreamTransport) ReadRequest() (*protocol.JsonRpcRequest, error) {
	for {
		line, err := t.reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				if err == io.EOF {
					logger.Info("Received EOF on stdin, client disconnected")
				}
				return nil, err
			}
			continue
		}
		logger.Debug("Received raw request: " + string(line))

		req, perr := protocol.ParseJsonRpcRequest(line)
		if perr != nil {
			return nil, &MalformedError{Err: perr}
		}
		return req, nil
	}
}

// WriteResponse writes one response followed by a newline
func (t *StreamTransport) WriteResponse(response *protocol.JsonRpcResponse) error {
	b, err := json.Marshal(response)
	if err != nil {
		logger.Error("Failed to marshal response:", err)
		return err
	}
	b = append(b, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.Write(b); err != nil {
		logger.Error("Failed to write response:", err)
		return err
	}
	if err := t.writer.Flush(); err != nil {
		logger.Error("Failed to flush response:", err)
		return err
	}
	logger.Debug("Sending response: " + string(b))
	return nil
}
