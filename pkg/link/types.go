package link

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
)

// Encoding tags the representation of Message.Message.
type Encoding string

// Encodings understood by transports.
const (
	EncodingBase64 Encoding = "base64"
	EncodingUTF8   Encoding = "utf-8"
)

var (
	// ErrClosed indicates the transport has been released.
	ErrClosed = errors.New("transport closed")
	// ErrNotConnected indicates no peripheral is connected.
	ErrNotConnected = errors.New("peripheral not connected")
)

// Message is the envelope exchanged with a transport.
type Message struct {
	Message  string
	Encoding Encoding
}

// BinaryMessage wraps raw bytes as a base64 message.
func BinaryMessage(data []byte) Message {
	return Message{Message: base64.StdEncoding.EncodeToString(data), Encoding: EncodingBase64}
}

// TextMessage wraps a string as a utf-8 message.
func TextMessage(text string) Message {
	return Message{Message: text, Encoding: EncodingUTF8}
}

// Bytes returns the raw bytes carried by the message.
// An empty Encoding is treated as base64, which is what inbound
// notifications carry.
func (m Message) Bytes() ([]byte, error) {
	switch m.Encoding {
	case EncodingBase64, "":
		return base64.StdEncoding.DecodeString(m.Message)
	case EncodingUTF8:
		return []byte(m.Message), nil
	}
	return nil, fmt.Errorf("unknown encoding %q", m.Encoding)
}

// DeviceFilter selects the device class to discover.
type DeviceFilter struct {
	MajorDeviceClass uint `json:"majorDeviceClass"`
	MinorDeviceClass uint `json:"minorDeviceClass"`
}

// Peripheral is a discovered candidate device.
type Peripheral struct {
	ID   string
	Name string
	RSSI int
}

// Params are passed to a Factory when a transport is created.
type Params struct {
	// ExtensionID identifies the host extension owning the transport.
	ExtensionID string
	Filter      DeviceFilter
	// Discovered, when set, receives candidate devices as they are found.
	Discovered func(Peripheral)
}

// ReportDiscovered calls Discovered if set.
func (p Params) ReportDiscovered(peripheral Peripheral) {
	if fn := p.Discovered; fn != nil {
		fn(peripheral)
	}
}

// Handler receives notifications from a transport. Transports must not call
// a Handler synchronously from inside one of their own methods.
type Handler interface {
	// OnConnect is called when the peripheral link becomes active.
	OnConnect()
	// OnDisconnect is called when the link is lost.
	OnDisconnect()
	// OnMessage delivers an inbound message, base64 encoded.
	OnMessage(Message)
}

// Transport is one discovery/pairing session with at most one peripheral.
type Transport interface {
	// ConnectPeripheral pairs with the peripheral using pin. The future
	// resolves when the request completes; OnConnect signals the link.
	ConnectPeripheral(id, pin string) Future
	// Disconnect releases the transport. It is idempotent.
	Disconnect() error
	// IsConnected reports whether the peripheral link is active.
	IsConnected() bool
	// SendMessage sends a message to the peripheral. It must not block on
	// the link, the returned Future completes once the message is written.
	SendMessage(Message) Future
}

// Factory creates transports. Creating a transport starts discovery.
// ctx bounds the lifetime of the transport's background work.
type Factory interface {
	NewTransport(ctx context.Context, params Params, handler Handler) (Transport, error)
}

// FactoryFunc is the func form of Factory.
type FactoryFunc func(ctx context.Context, params Params, handler Handler) (Transport, error)

// NewTransport implements Factory.
func (f FactoryFunc) NewTransport(ctx context.Context, params Params, handler Handler) (Transport, error) {
	return f(ctx, params, handler)
}
