package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/richard-senior/podds/pkg/protocol"
	"github.com/richard-senior/podds/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls map[string]int
	fails map[string]int
}

func (r *recorder) ObserveTool(tool string, err error) {
	r.calls[tool]++
	if err != nil {
		r.fails[tool]++
	}
}

// run feeds lines to a fresh server and returns the responses in order
func run(t *testing.T, setup func(*Server), lines ...string) []*protocol.JsonRpcResponse {
	t.Helper()
	var out bytes.Buffer
	tr := transport.NewStreamTransport(strings.NewReader(strings.Join(lines, "\n")+"\n"), &out)
	s := New(tr, protocol.Implementation{Name: "podds", Version: "test"})
	if setup != nil {
		setup(s)
	}
	require.NoError(t, s.Serve(context.Background()))

	var resps []*protocol.JsonRpcResponse
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		resp, err := protocol.ParseJsonRpcResponse(sc.Bytes())
		require.NoError(t, err, sc.Text())
		resps = append(resps, resp)
	}
	return resps
}

func echoTool(s *Server) {
	s.RegisterTool(protocol.Tool{Name: "echo", InputSchema: protocol.InputSchema{Type: "object"}},
		func(_ context.Context, args json.RawMessage) (any, error) {
			var in map[string]any
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			if in["fail"] == true {
				return nil, fmt.Errorf("asked to fail")
			}
			if in["panic"] == true {
				panic("boom")
			}
			return in, nil
		})
}

func toolResult(t *testing.T, resp *protocol.JsonRpcResponse) protocol.ToolResult {
	t.Helper()
	require.Nil(t, resp.Error)
	var r protocol.ToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &r))
	require.Len(t, r.Content, 1)
	return r
}

func TestInitializeEchoesProtocolVersion(t *testing.T) {
	resps := run(t, echoTool,
		`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"c","version":"1"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
	)
	require.Len(t, resps, 2)

	var init protocol.InitializeResult
	require.NoError(t, json.Unmarshal(resps[0].Result, &init))
	assert.Equal(t, "2025-03-26", init.ProtocolVersion)
	assert.Equal(t, "podds", init.ServerInfo.Name)
	assert.Contains(t, init.Capabilities, "tools")

	require.NoError(t, json.Unmarshal(resps[1].Result, &init))
	assert.Equal(t, protocol.DefaultProtocolVersion, init.ProtocolVersion)
}

func TestToolsListAndCall(t *testing.T) {
	obs := &recorder{calls: map[string]int{}, fails: map[string]int{}}
	resps := run(t, func(s *Server) {
		s.observer = obs
		echoTool(s)
	},
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"fail":true}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"echo","arguments":{"panic":true}}}`,
	)
	require.Len(t, resps, 4)

	var list protocol.ToolsListResult
	require.NoError(t, json.Unmarshal(resps[0].Result, &list))
	require.Len(t, list.Tools, 1)
	assert.Equal(t, "echo", list.Tools[0].Name)

	ok := toolResult(t, resps[1])
	assert.False(t, ok.IsError)
	assert.JSONEq(t, `{"x":1}`, ok.Content[0].Text)

	failed := toolResult(t, resps[2])
	assert.True(t, failed.IsError)
	assert.Equal(t, "asked to fail", failed.Content[0].Text)

	panicked := toolResult(t, resps[3])
	assert.True(t, panicked.IsError)
	assert.Contains(t, panicked.Content[0].Text, "boom")

	assert.Equal(t, 3, obs.calls["echo"])
	assert.Equal(t, 2, obs.fails["echo"])
}

func TestProtocolErrors(t *testing.T) {
	resps := run(t, echoTool,
		`{"jsonrpc":"2.0","id":1,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"nope"}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{}}`,
		`{oops`,
		`{"jsonrpc":"2.0","id":4,"method":"ping"}`,
	)
	require.Len(t, resps, 5)

	assert.Equal(t, protocol.ErrMethodNotFound, resps[0].Error.Code)
	assert.Equal(t, protocol.ErrInvalidParams, resps[1].Error.Code)
	assert.Contains(t, resps[1].Error.Message, "unknown tool")
	assert.Equal(t, protocol.ErrInvalidParams, resps[2].Error.Code)
	assert.Equal(t, protocol.ErrParse, resps[3].Error.Code)
	assert.Nil(t, resps[3].ID)
	assert.Nil(t, resps[4].Error)
	assert.JSONEq(t, `{}`, string(resps[4].Result))
}

func TestShutdownStopsServing(t *testing.T) {
	resps := run(t, nil,
		`{"jsonrpc":"2.0","id":1,"method":"shutdown"}`,
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`,
	)
	require.Len(t, resps, 1)
	assert.Equal(t, float64(1), resps[0].ID)
}

func TestRegisterToolReplaces(t *testing.T) {
	s := New(transport.NewStreamTransport(strings.NewReader(""), &bytes.Buffer{}), protocol.Implementation{Name: "podds"})
	noop := func(context.Context, json.RawMessage) (any, error) { return "ok", nil }
	s.RegisterTool(protocol.Tool{Name: "a", Description: "first"}, noop)
	s.RegisterTool(protocol.Tool{Name: "b"}, noop)
	s.RegisterTool(protocol.Tool{Name: "a", Description: "second"}, noop)

	tools := s.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "second", tools[0].Description)
	assert.Equal(t, "b", tools[1].Name)
}

func TestStartClosesTransportOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	s := New(transport.NewStreamTransport(pr, &bytes.Buffer{}), protocol.Implementation{Name: "podds"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Start(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(stopGrace + time.Second):
		t.Fatal("Start did not return after cancel")
	}

	// the read side is closed, so nothing is left reading the stream
	_, err := pw.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
