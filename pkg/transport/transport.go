// Package transport moves bytes in and out of podds: JSON-RPC messages over
// a stream for the tool server, and HTTP documents for the data feed.
package transport

import (
	"github.com/richard-senior/podds/pkg/protocol"
)

// Transport reads requests and writes responses for the tool server
type Transport interface {
	ReadRequest() (*protocol.JsonRpcRequest, error)
	WriteResponse(*protocol.JsonRpcResponse) error
}
