package scratchlink

import (
	"encoding/json"
	"fmt"
)

const jsonrpcVersion = "2.0"

// Methods and notifications of the Scratch Link BT protocol.
const (
	MethodDiscover = "discover"
	MethodConnect  = "connect"
	MethodSend     = "send"

	NotifyDiscovered = "didDiscoverPeripheral"
	NotifyMessage    = "didReceiveMessage"
)

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements error.
func (e *RPCError) Error() string {
	return fmt.Sprintf("scratch link error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// message is anything the server sends: a response when ID is set,
// a notification otherwise.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type connectParams struct {
	PeripheralID string `json:"peripheralId"`
	PIN          string `json:"pin,omitempty"`
}

type sendParams struct {
	Message  string `json:"message"`
	Encoding string `json:"encoding,omitempty"`
}

type discoveredParams struct {
	PeripheralID string `json:"peripheralId"`
	Name         string `json:"name"`
	RSSI         int    `json:"rssi"`
}
