// Package protocol holds the JSON-RPC 2.0 envelopes and the Model Context
// Protocol payloads podds speaks.
//
// A client session looks like:
//
//	-> {"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}
//	<- {"jsonrpc":"2.0","id":0,"result":{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{...}}}
//	-> {"jsonrpc":"2.0","method":"notifications/initialized"}
//	-> {"jsonrpc":"2.0","id":1,"method":"tools/list"}
//	-> {"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"podds_predict_match","arguments":{...}}}
package protocol

import (
	"encoding/json"
	"fmt"
)

type MethodType string

const (
	MethodInitialize  MethodType = "initialize"
	MethodInitialized MethodType = "initialized"
	MethodPing        MethodType = "ping"
	MethodToolsList   MethodType = "tools/list"
	MethodToolsCall   MethodType = "tools/call"
	MethodShutdown    MethodType = "shutdown"
)

// NotificationPrefix marks methods that never get a response
const NotificationPrefix = "notifications/"

const JsonRpcVersion = "2.0"

// DefaultProtocolVersion is answered when the client does not ask for one
const DefaultProtocolVersion = "2024-11-05"

// JsonRpcRequest is a request, or a notification when ID is absent
type JsonRpcRequest struct {
	JsonRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

// JsonRpcResponse carries exactly one of Result or Error
type JsonRpcResponse struct {
	JsonRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JsonRpcError   `json:"error,omitempty"`
	ID      any             `json:"id"`
}

type JsonRpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes
const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603
	// -32000 to -32099 are implementation defined
	ErrServer = -32000
)

func (e *JsonRpcError) Error() string {
	return fmt.Sprintf("jsonrpc error: code=%d message=%s", e.Code, e.Message)
}

// IsNotification reports whether r expects no response
func (r *JsonRpcRequest) IsNotification() bool {
	return r.ID == nil
}

// NewJsonRpcRequest builds a request; a nil id makes a notification
func NewJsonRpcRequest(method string, params any, id any) (*JsonRpcRequest, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &JsonRpcRequest{JsonRPC: JsonRpcVersion, Method: method, Params: raw, ID: id}, nil
}

// NewJsonRpcResponse builds a success response
func NewJsonRpcResponse(result any, id any) (*JsonRpcResponse, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &JsonRpcResponse{JsonRPC: JsonRpcVersion, Result: b, ID: id}, nil
}

// NewJsonRpcErrorResponse builds an error response
func NewJsonRpcErrorResponse(code int, message string, data any, id any) *JsonRpcResponse {
	return &JsonRpcResponse{
		JsonRPC: JsonRpcVersion,
		Error:   &JsonRpcError{Code: code, Message: message, Data: data},
		ID:      id,
	}
}

// ParseJsonRpcRequest decodes and checks the version of a request
func ParseJsonRpcRequest(data []byte) (*JsonRpcRequest, error) {
	var req JsonRpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if req.JsonRPC != JsonRpcVersion {
		return nil, fmt.Errorf("invalid JSON-RPC version: %s", req.JsonRPC)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("request has no method")
	}
	return &req, nil
}

// ParseJsonRpcResponse decodes and checks the version of a response
func ParseJsonRpcResponse(data []byte) (*JsonRpcResponse, error) {
	var resp JsonRpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	if resp.JsonRPC != JsonRpcVersion {
		return nil, fmt.Errorf("invalid JSON-RPC version: %s", resp.JsonRPC)
	}
	return &resp, nil
}

func (r *JsonRpcRequest) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("Error marshaling request: %v", err)
	}
	return string(b)
}

func (r *JsonRpcResponse) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("Error marshaling response: %v", err)
	}
	return string(b)
}
