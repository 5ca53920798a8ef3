package scratchlink

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/net/websocket"

	"github.com/robotalks/mbot.go/pkg/link"
)

// DefaultURL is the Scratch Link BT endpoint.
const DefaultURL = "wss://device-manager.scratch.mit.edu:20110/scratch/bt"

// DefaultOrigin is sent in the WebSocket handshake.
const DefaultOrigin = "http://localhost/"

// DialTimeout bounds connecting to the server.
const DialTimeout = 10 * time.Second

// WriteQueueSize is the number of requests a Conn buffers.
const WriteQueueSize = 64

// ErrBusy indicates the write queue is full.
var ErrBusy = errors.New("scratch link write queue full")

// Factory creates transports connected to a Scratch Link server.
type Factory struct {
	URL    string
	Origin string
}

// NewFactory creates a Factory for url, DefaultURL if empty.
func NewFactory(url string) *Factory {
	if url == "" {
		url = DefaultURL
	}
	return &Factory{URL: url, Origin: DefaultOrigin}
}

// NewTransport implements link.Factory. The returned Conn has already
// requested discovery.
func (f *Factory) NewTransport(ctx context.Context, params link.Params, handler link.Handler) (link.Transport, error) {
	origin := f.Origin
	if origin == "" {
		origin = DefaultOrigin
	}
	config, err := websocket.NewConfig(f.URL, origin)
	if err != nil {
		return nil, err
	}
	raw, err := dialRaw(config)
	if err != nil {
		return nil, err
	}
	ws, err := websocket.NewClient(config, raw)
	if err != nil {
		raw.Close()
		return nil, err
	}
	c := newConn(ws, raw, params, handler)
	go c.readLoop()
	go c.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			c.Disconnect()
		case <-c.done:
		}
	}()
	c.discover()
	return c, nil
}

// dialRaw opens the connection under the WebSocket so Disconnect can close
// it while a frame write is stalled.
func dialRaw(config *websocket.Config) (net.Conn, error) {
	host := config.Location.Host
	if config.Location.Port() == "" {
		port := "80"
		if config.Location.Scheme == "wss" {
			port = "443"
		}
		host = net.JoinHostPort(config.Location.Hostname(), port)
	}
	dialer := &net.Dialer{Timeout: DialTimeout}
	switch config.Location.Scheme {
	case "ws":
		return dialer.Dial("tcp", host)
	case "wss":
		return tls.DialWithDialer(dialer, "tcp", host, config.TlsConfig)
	}
	return nil, fmt.Errorf("unsupported scheme %q", config.Location.Scheme)
}

// Conn is a link.Transport over one Scratch Link session.
type Conn struct {
	ws      *websocket.Conn
	raw     net.Conn
	params  link.Params
	handler link.Handler
	done    chan struct{}
	writes  chan *request

	lock      sync.Mutex
	nextID    uint64
	pending   map[uint64]*call
	connected bool
	closing   bool

	closeOnce sync.Once
}

type call struct {
	promise *link.Promise
	method  string
	done    func(error)
}

func newConn(ws *websocket.Conn, raw net.Conn, params link.Params, handler link.Handler) *Conn {
	return &Conn{
		ws:      ws,
		raw:     raw,
		writes:  make(chan *request, WriteQueueSize),
		params:  params,
		handler: handler,
		done:    make(chan struct{}),
		pending: make(map[uint64]*call),
	}
}

// ConnectPeripheral implements link.Transport.
func (c *Conn) ConnectPeripheral(id, pin string) link.Future {
	return c.call(MethodConnect, &connectParams{PeripheralID: id, PIN: pin}, func(err error) {
		if err != nil {
			glog.Warningf("connect %q: %v", id, err)
			return
		}
		c.lock.Lock()
		c.connected = true
		c.lock.Unlock()
		c.handler.OnConnect()
	})
}

// Disconnect implements link.Transport.
func (c *Conn) Disconnect() error {
	c.lock.Lock()
	c.closing = true
	c.connected = false
	c.lock.Unlock()
	c.close()
	return nil
}

// IsConnected implements link.Transport.
func (c *Conn) IsConnected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.connected
}

// SendMessage implements link.Transport.
func (c *Conn) SendMessage(m link.Message) link.Future {
	if !c.IsConnected() {
		return link.Resolved(link.ErrNotConnected)
	}
	return c.call(MethodSend, &sendParams{Message: m.Message, Encoding: string(m.Encoding)}, nil)
}

func (c *Conn) discover() {
	filter := c.params.Filter
	f := c.call(MethodDiscover, &filter, nil)
	go func() {
		if err := <-f.ResultChan(); err != nil {
			glog.Warningf("discover: %v", err)
		}
	}()
}

func (c *Conn) call(method string, params interface{}, done func(error)) link.Future {
	p := link.NewPromise()
	c.lock.Lock()
	if c.closing {
		c.lock.Unlock()
		p.Resolve(link.ErrClosed)
		return p
	}
	c.nextID++
	req := &request{JSONRPC: jsonrpcVersion, ID: c.nextID, Method: method, Params: params}
	select {
	case c.writes <- req:
		c.pending[req.ID] = &call{promise: p, method: method, done: done}
	default:
		c.lock.Unlock()
		glog.V(2).Infof("RPC %s: write queue full", method)
		p.Resolve(ErrBusy)
		return p
	}
	c.lock.Unlock()
	return p
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case req := <-c.writes:
			glog.V(2).Infof("RPC #%d %s", req.ID, req.Method)
			if err := websocket.JSON.Send(c.ws, req); err != nil {
				c.complete(req.ID, err)
			}
		}
	}
}

func (c *Conn) complete(id uint64, err error) {
	c.lock.Lock()
	cl := c.pending[id]
	delete(c.pending, id)
	c.lock.Unlock()
	if cl == nil {
		return
	}
	glog.V(2).Infof("RPC #%d %s: %v", id, cl.method, err)
	if cl.done != nil {
		cl.done(err)
	}
	cl.promise.Resolve(err)
}

func (c *Conn) readLoop() {
	for {
		var msg message
		if err := websocket.JSON.Receive(c.ws, &msg); err != nil {
			c.shutdown(err)
			return
		}
		c.dispatch(&msg)
	}
}

func (c *Conn) dispatch(msg *message) {
	if msg.ID != nil && msg.Method == "" {
		var err error
		if msg.Error != nil {
			err = msg.Error
		}
		c.complete(*msg.ID, err)
		return
	}
	switch msg.Method {
	case NotifyDiscovered:
		var p discoveredParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			glog.V(2).Infof("bad %s params: %v", msg.Method, err)
			return
		}
		glog.V(2).Infof("discovered %q %q rssi=%d", p.PeripheralID, p.Name, p.RSSI)
		c.params.ReportDiscovered(link.Peripheral{ID: p.PeripheralID, Name: p.Name, RSSI: p.RSSI})
	case NotifyMessage:
		var p sendParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			glog.V(2).Infof("bad %s params: %v", msg.Method, err)
			return
		}
		c.handler.OnMessage(link.Message{Message: p.Message, Encoding: link.Encoding(p.Encoding)})
	default:
		glog.V(2).Infof("ignored notification %q", msg.Method)
	}
}

// shutdown runs once the read loop ends. OnDisconnect is only reported
// when the server side went away.
func (c *Conn) shutdown(err error) {
	c.lock.Lock()
	lost := !c.closing
	c.closing, c.connected = true, false
	pending := c.pending
	c.pending = make(map[uint64]*call)
	c.lock.Unlock()

	c.close()
	close(c.done)
	for _, cl := range pending {
		cl.promise.Resolve(link.ErrClosed)
	}
	if lost {
		glog.Warningf("scratch link lost: %v", err)
		c.handler.OnDisconnect()
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.raw.Close()
	})
}
