package serial

import (
	"bufio"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"

	"github.com/golang/glog"
	"go.bug.st/serial"

	"github.com/robotalks/mbot.go/pkg/direct"
	"github.com/robotalks/mbot.go/pkg/link"
)

// DefaultBaudRate is the baud rate of the robot's serial interface.
const DefaultBaudRate = 115200

// WriteQueueSize is the number of writes a Port buffers.
const WriteQueueSize = 64

// ErrBusy indicates the write queue is full.
var ErrBusy = errors.New("serial write queue full")

// maxFrameLen bounds a reply frame on the wire.
const maxFrameLen = direct.HeaderLen + 0xffff

// Factory creates transports on local serial ports.
type Factory struct {
	Mode serial.Mode
	// Ports lists candidate ports, serial.GetPortsList if nil.
	Ports func() ([]string, error)
	// Open opens a port by name, serial.Open with Mode if nil.
	Open func(name string) (io.ReadWriteCloser, error)
}

// NewFactory creates a Factory using baud, DefaultBaudRate if <= 0.
func NewFactory(baud int) *Factory {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return &Factory{Mode: serial.Mode{BaudRate: baud}}
}

// OpenPort opens a port by name.
func (f *Factory) OpenPort(name string) (io.ReadWriteCloser, error) {
	if f.Open != nil {
		return f.Open(name)
	}
	mode := f.Mode
	return serial.Open(name, &mode)
}

// ListPorts lists candidate ports.
func (f *Factory) ListPorts() ([]string, error) {
	if f.Ports != nil {
		return f.Ports()
	}
	return serial.GetPortsList()
}

// NewTransport implements link.Factory. Every port found is reported as
// a discovered peripheral with the port name as its id.
func (f *Factory) NewTransport(ctx context.Context, params link.Params, handler link.Handler) (link.Transport, error) {
	p := &Port{factory: f, handler: handler}
	go p.discover(params)
	go func() {
		<-ctx.Done()
		p.Disconnect()
	}()
	return p, nil
}

// Port is a link.Transport over a serial port.
type Port struct {
	factory *Factory
	handler link.Handler

	lock   sync.Mutex
	conn   *portConn
	closed bool
}

// portConn is one opened port. Writes are queued to a writer goroutine so
// SendMessage never blocks on a stalled link.
type portConn struct {
	rw        io.ReadWriteCloser
	writes    chan *writeRequest
	done      chan struct{}
	closeOnce sync.Once
}

type writeRequest struct {
	data    []byte
	promise *link.Promise
}

func newPortConn(rw io.ReadWriteCloser) *portConn {
	return &portConn{
		rw:     rw,
		writes: make(chan *writeRequest, WriteQueueSize),
		done:   make(chan struct{}),
	}
}

// close unblocks a pending write and stops the writer.
func (c *portConn) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.rw.Close()
	})
	return err
}

func (c *portConn) writeLoop() {
	for {
		select {
		case <-c.done:
			for {
				select {
				case req := <-c.writes:
					req.promise.Resolve(link.ErrClosed)
				default:
					return
				}
			}
		case req := <-c.writes:
			_, err := c.rw.Write(req.data)
			req.promise.Resolve(err)
		}
	}
}

func (p *Port) discover(params link.Params) {
	ports, err := p.factory.ListPorts()
	if err != nil {
		glog.Warningf("list serial ports: %v", err)
		return
	}
	for _, name := range ports {
		glog.V(2).Infof("discovered port %q", name)
		params.ReportDiscovered(link.Peripheral{ID: name, Name: filepath.Base(name)})
	}
}

// ConnectPeripheral implements link.Transport. id is the port name, pin is
// not used since pairing happens in the operating system.
func (p *Port) ConnectPeripheral(id, pin string) link.Future {
	promise := link.NewPromise()
	go func() {
		promise.Resolve(p.open(id))
	}()
	return promise
}

func (p *Port) open(name string) error {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return link.ErrClosed
	}
	if p.conn != nil {
		p.lock.Unlock()
		return nil
	}
	p.lock.Unlock()

	rw, err := p.factory.OpenPort(name)
	if err != nil {
		glog.Warningf("open %q: %v", name, err)
		return err
	}
	p.lock.Lock()
	if p.closed || p.conn != nil {
		closed := p.closed
		p.lock.Unlock()
		rw.Close()
		if closed {
			return link.ErrClosed
		}
		return nil
	}
	c := newPortConn(rw)
	p.conn = c
	p.lock.Unlock()

	glog.Infof("opened %q", name)
	go c.writeLoop()
	go p.readLoop(c)
	p.handler.OnConnect()
	return nil
}

// Disconnect implements link.Transport.
func (p *Port) Disconnect() error {
	p.lock.Lock()
	c := p.conn
	p.closed, p.conn = true, nil
	p.lock.Unlock()
	if c != nil {
		return c.close()
	}
	return nil
}

// IsConnected implements link.Transport.
func (p *Port) IsConnected() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.conn != nil
}

// SendMessage implements link.Transport. The message is queued and the
// future resolves once it is written, with ErrBusy when the queue is full.
func (p *Port) SendMessage(m link.Message) link.Future {
	data, err := m.Bytes()
	if err != nil {
		return link.Resolved(err)
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.conn == nil {
		return link.Resolved(link.ErrNotConnected)
	}
	req := &writeRequest{data: data, promise: link.NewPromise()}
	select {
	case p.conn.writes <- req:
		return req.promise
	default:
		glog.V(3).Infof("write queue full, %d bytes dropped", len(data))
		return link.Resolved(ErrBusy)
	}
}

func (p *Port) readLoop(c *portConn) {
	scanner := bufio.NewScanner(c.rw)
	scanner.Buffer(make([]byte, 0, 256), maxFrameLen)
	scanner.Split(direct.ScanReplies)
	for scanner.Scan() {
		frame := scanner.Bytes()
		glog.V(2).Infof("RX % x", frame)
		p.handler.OnMessage(link.BinaryMessage(frame))
	}
	err := scanner.Err()

	p.lock.Lock()
	lost := p.conn == c
	if lost {
		p.conn = nil
	}
	p.lock.Unlock()
	if lost {
		c.close()
		glog.Warningf("serial link lost: %v", err)
		p.handler.OnDisconnect()
	}
}
