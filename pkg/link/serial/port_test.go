package serial

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/mbot.go/pkg/link"
	"github.com/robotalks/mbot.go/pkg/mbot"
)

type eventHandler struct {
	connected    chan struct{}
	disconnected chan struct{}
	messages     chan link.Message
}

func newEventHandler() *eventHandler {
	return &eventHandler{
		connected:    make(chan struct{}, 4),
		disconnected: make(chan struct{}, 4),
		messages:     make(chan link.Message, 4),
	}
}

func (h *eventHandler) OnConnect()               { h.connected <- struct{}{} }
func (h *eventHandler) OnDisconnect()            { h.disconnected <- struct{}{} }
func (h *eventHandler) OnMessage(m link.Message) { h.messages <- m }

func waitFuture(t *testing.T, f link.Future) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return link.Wait(ctx, f)
}

func waitEvent(t *testing.T, ch <-chan struct{}, what string) {
	select {
	case <-ch:
	case <-time.After(time.Second):
		require.FailNow(t, what+" not reported")
	}
}

func newPipeFactory() (*Factory, net.Conn) {
	local, remote := net.Pipe()
	f := NewFactory(0)
	f.Ports = func() ([]string, error) { return []string{"/dev/rfcomm0"}, nil }
	f.Open = func(name string) (io.ReadWriteCloser, error) { return local, nil }
	return f, remote
}

func TestNewFactory(t *testing.T) {
	require.Equal(t, DefaultBaudRate, NewFactory(0).Mode.BaudRate)
	require.Equal(t, 9600, NewFactory(9600).Mode.BaudRate)
}

func TestPortSession(t *testing.T) {
	f, remote := newPipeFactory()
	defer remote.Close()
	h := newEventHandler()
	discovered := make(chan link.Peripheral, 4)
	params := link.Params{Discovered: func(p link.Peripheral) { discovered <- p }}
	tr, err := f.NewTransport(context.Background(), params, h)
	require.NoError(t, err)
	defer tr.Disconnect()

	select {
	case p := <-discovered:
		require.Equal(t, link.Peripheral{ID: "/dev/rfcomm0", Name: "rfcomm0"}, p)
	case <-time.After(time.Second):
		require.FailNow(t, "port not discovered")
	}

	require.False(t, tr.IsConnected())
	require.Equal(t, link.ErrNotConnected, waitFuture(t, tr.SendMessage(link.TextMessage("Stop"))))

	require.NoError(t, waitFuture(t, tr.ConnectPeripheral("/dev/rfcomm0", "1234")))
	waitEvent(t, h.connected, "connect")
	require.True(t, tr.IsConnected())

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4)
		io.ReadFull(remote, buf)
		received <- buf
	}()
	require.NoError(t, waitFuture(t, tr.SendMessage(link.TextMessage("Stop"))))
	require.Equal(t, []byte("Stop"), <-received)

	go remote.Write([]byte{0x03, 0x00, 0x07, 0x00, 0x02, 0xAA, 0x02, 0x00, 0x08, 0x00, 0x01})
	for _, expected := range [][]byte{
		{0x03, 0x00, 0x07, 0x00, 0x02, 0xAA},
		{0x02, 0x00, 0x08, 0x00, 0x01},
	} {
		select {
		case m := <-h.messages:
			data, err := m.Bytes()
			require.NoError(t, err)
			require.Equal(t, expected, data)
		case <-time.After(time.Second):
			require.FailNow(t, "frame not delivered")
		}
	}

	require.NoError(t, tr.Disconnect())
	require.NoError(t, tr.Disconnect())
	require.False(t, tr.IsConnected())
	require.Equal(t, link.ErrClosed, waitFuture(t, tr.ConnectPeripheral("/dev/rfcomm0", "")))
	select {
	case <-h.disconnected:
		require.FailNow(t, "OnDisconnect after Disconnect")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPortLinkLost(t *testing.T) {
	f, remote := newPipeFactory()
	h := newEventHandler()
	tr, err := f.NewTransport(context.Background(), link.Params{}, h)
	require.NoError(t, err)
	require.NoError(t, waitFuture(t, tr.ConnectPeripheral("/dev/rfcomm0", "")))
	waitEvent(t, h.connected, "connect")

	remote.Close()
	waitEvent(t, h.disconnected, "disconnect")
	require.False(t, tr.IsConnected())
}

func TestPortOpenError(t *testing.T) {
	f := NewFactory(0)
	f.Ports = func() ([]string, error) { return nil, nil }
	openErr := errors.New("no such port")
	f.Open = func(name string) (io.ReadWriteCloser, error) { return nil, openErr }
	h := newEventHandler()
	tr, err := f.NewTransport(context.Background(), link.Params{}, h)
	require.NoError(t, err)
	require.Equal(t, openErr, waitFuture(t, tr.ConnectPeripheral("/dev/none", "")))
	require.False(t, tr.IsConnected())
}

func TestPortContextCancel(t *testing.T) {
	f, remote := newPipeFactory()
	defer remote.Close()
	ctx, cancel := context.WithCancel(context.Background())
	tr, err := f.NewTransport(ctx, link.Params{}, newEventHandler())
	require.NoError(t, err)
	require.NoError(t, waitFuture(t, tr.ConnectPeripheral("/dev/rfcomm0", "")))
	cancel()
	require.Eventually(t, func() bool { return !tr.IsConnected() }, time.Second, time.Millisecond)
}

func TestPortStalledWrite(t *testing.T) {
	f, remote := newPipeFactory()
	defer remote.Close()
	h := newEventHandler()
	tr, err := f.NewTransport(context.Background(), link.Params{}, h)
	require.NoError(t, err)
	require.NoError(t, waitFuture(t, tr.ConnectPeripheral("/dev/rfcomm0", "")))
	waitEvent(t, h.connected, "connect")

	// remote never reads, so every write stays pending.
	returned := make(chan link.Future, 1)
	go func() { returned <- tr.SendMessage(link.TextMessage("Move Forward for 3")) }()
	var pending link.Future
	select {
	case pending = <-returned:
	case <-time.After(time.Second):
		require.FailNow(t, "SendMessage blocked on a stalled link")
	}
	queued := tr.SendMessage(link.TextMessage("Stop"))

	disconnected := make(chan error, 1)
	go func() { disconnected <- tr.Disconnect() }()
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		require.FailNow(t, "Disconnect blocked on a stalled write")
	}
	require.Error(t, waitFuture(t, pending))
	require.Error(t, waitFuture(t, queued))
}

func TestPortWriteQueueFull(t *testing.T) {
	f, remote := newPipeFactory()
	defer remote.Close()
	h := newEventHandler()
	tr, err := f.NewTransport(context.Background(), link.Params{}, h)
	require.NoError(t, err)
	defer tr.Disconnect()
	require.NoError(t, waitFuture(t, tr.ConnectPeripheral("/dev/rfcomm0", "")))
	waitEvent(t, h.connected, "connect")

	// One write is held by the writer, the rest fill the queue.
	var last link.Future
	for i := 0; i < WriteQueueSize+2; i++ {
		last = tr.SendMessage(link.TextMessage("Stop"))
	}
	require.Equal(t, ErrBusy, waitFuture(t, last))
}

func TestSessionOverStalledPort(t *testing.T) {
	f, remote := newPipeFactory()
	defer remote.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := mbot.NewSession(ctx, f, mbot.Config{PollInterval: time.Hour})
	require.NoError(t, s.Scan())
	require.NoError(t, waitFuture(t, s.Connect("/dev/rfcomm0")))
	require.Eventually(t, s.IsConnected, time.Second, time.Millisecond)

	returned := make(chan link.Future, 1)
	go func() { returned <- s.SendText("Left 1, Right 1", false) }()
	var pending link.Future
	select {
	case pending = <-returned:
	case <-time.After(time.Second):
		require.FailNow(t, "SendText blocked on a stalled link")
	}
	require.True(t, s.IsConnected())

	disconnected := make(chan error, 1)
	go func() { disconnected <- s.Disconnect() }()
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		require.FailNow(t, "Disconnect blocked on a stalled write")
	}
	require.False(t, s.IsConnected())
	require.Equal(t, mbot.StateIdle, s.State())
	require.Error(t, waitFuture(t, pending))
}
