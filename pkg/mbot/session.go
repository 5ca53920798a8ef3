package mbot

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/robotalks/mbot.go/pkg/direct"
	fx "github.com/robotalks/mbot.go/pkg/framework"
	"github.com/robotalks/mbot.go/pkg/link"
)

// State is the connection state of a Session.
type State int

// States
const (
	// StateIdle means no transport handle exists.
	StateIdle State = iota
	// StateScanning means a handle exists but the link is not active.
	StateScanning
	// StateConnected means the link is active and polling runs.
	StateConnected
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ReplyHandler receives decoded replies.
type ReplyHandler interface {
	HandleReply(*direct.Reply)
}

// HandleReplyFunc is the func form of ReplyHandler.
type HandleReplyFunc func(*direct.Reply)

// HandleReply implements ReplyHandler.
func (f HandleReplyFunc) HandleReply(r *direct.Reply) {
	f(r)
}

// PollHandler is called on every poll cycle while connected.
type PollHandler interface {
	Poll(ctx context.Context, cycle uint32)
}

// PollFunc is the func form of PollHandler.
type PollFunc func(ctx context.Context, cycle uint32)

// Poll implements PollHandler.
func (f PollFunc) Poll(ctx context.Context, cycle uint32) {
	f(ctx, cycle)
}

// Session owns the connection to one peripheral at a time.
type Session struct {
	// ReplyHandler and PollHandler are optional and must be set before Scan.
	ReplyHandler ReplyHandler
	PollHandler  PollHandler

	config  Config
	factory link.Factory
	ctx     context.Context
	limiter *RateLimiter

	lock       sync.Mutex
	generation uint64
	state      State
	transport  link.Transport
	release    context.CancelFunc
	poller     *poller
	pollCount  uint32
}

type poller struct {
	cancel context.CancelFunc
}

// NewSession creates a Session. ctx bounds every transport and poll loop
// the session starts. Zero fields of config take the defaults.
func NewSession(ctx context.Context, factory link.Factory, config Config) *Session {
	defaults := DefaultConfig()
	if config.ExtensionID == "" {
		config.ExtensionID = defaults.ExtensionID
	}
	if config.Filter == (link.DeviceFilter{}) {
		config.Filter = defaults.Filter
	}
	if config.PairingPin == "" {
		config.PairingPin = defaults.PairingPin
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.SendRateMax == 0 {
		config.SendRateMax = defaults.SendRateMax
	}
	return &Session{
		config:  config,
		factory: factory,
		ctx:     ctx,
		limiter: NewRateLimiter(config.SendRateMax),
	}
}

// Config returns the effective configuration.
func (s *Session) Config() Config {
	return s.config
}

// State returns the current connection state.
func (s *Session) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// PollCount returns the number of poll cycles run so far.
func (s *Session) PollCount() uint32 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.pollCount
}

// Scan releases the current transport, if any, and starts discovery with
// a new one.
func (s *Session) Scan() error {
	s.lock.Lock()
	prev, release := s.detachLocked()
	s.generation++
	gen := s.generation
	s.lock.Unlock()
	s.releaseTransport(prev, release)

	ctx, cancel := context.WithCancel(s.ctx)
	params := link.Params{
		ExtensionID: s.config.ExtensionID,
		Filter:      s.config.Filter,
		Discovered:  s.config.Discovered,
	}
	t, err := s.factory.NewTransport(ctx, params, &transportEvents{session: s, generation: gen})
	if err != nil {
		cancel()
		return fmt.Errorf("scan: %w", err)
	}

	s.lock.Lock()
	if s.generation != gen {
		// Superseded by Disconnect or another Scan while the transport
		// was being created.
		s.lock.Unlock()
		s.releaseTransport(t, cancel)
		return nil
	}
	s.transport, s.release, s.state = t, cancel, StateScanning
	s.lock.Unlock()
	glog.Infof("[%s] scanning", s.config.ExtensionID)
	return nil
}

// Connect asks the transport to pair with the peripheral. It is a no-op
// without a transport. Completion of the link is signaled separately.
func (s *Session) Connect(id string) link.Future {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.transport == nil {
		return link.Resolved(nil)
	}
	glog.Infof("[%s] connecting %q", s.config.ExtensionID, id)
	return s.transport.ConnectPeripheral(id, s.config.PairingPin)
}

// Disconnect stops polling and releases the transport. It is idempotent.
func (s *Session) Disconnect() error {
	s.lock.Lock()
	t, release := s.detachLocked()
	s.generation++
	s.lock.Unlock()
	return s.releaseTransport(t, release)
}

// IsConnected reports whether the peripheral link is active.
func (s *Session) IsConnected() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.isConnectedLocked()
}

// StopAll is called by the host to stop everything.
func (s *Session) StopAll() {
	if fn := s.config.OnStopAll; fn != nil {
		fn()
	}
}

// Send sends raw bytes, base64 encoded on the wire. While disconnected, or
// when useLimiter is set and the rate ceiling is reached, the message is
// dropped and the returned future resolves with nil.
func (s *Session) Send(message []byte, useLimiter bool) link.Future {
	return s.send(func() link.Message { return link.BinaryMessage(message) }, useLimiter)
}

// SendText sends a utf-8 string with the same policy as Send.
func (s *Session) SendText(message string, useLimiter bool) link.Future {
	return s.send(func() link.Message { return link.TextMessage(message) }, useLimiter)
}

func (s *Session) send(encode func() link.Message, useLimiter bool) link.Future {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.isConnectedLocked() {
		glog.V(3).Infof("[%s] not connected, send dropped", s.config.ExtensionID)
		return link.Resolved(nil)
	}
	if useLimiter && !s.limiter.OkayToSend() {
		glog.V(3).Infof("[%s] rate limited, send dropped", s.config.ExtensionID)
		return link.Resolved(nil)
	}
	return s.transport.SendMessage(encode())
}

func (s *Session) isConnectedLocked() bool {
	return s.transport != nil && s.transport.IsConnected()
}

func (s *Session) detachLocked() (link.Transport, context.CancelFunc) {
	s.stopPollingLocked()
	t, release := s.transport, s.release
	s.transport, s.release = nil, nil
	s.state = StateIdle
	return t, release
}

func (s *Session) releaseTransport(t link.Transport, release context.CancelFunc) error {
	if t == nil {
		return nil
	}
	err := t.Disconnect()
	release()
	if err != nil {
		glog.Warningf("[%s] disconnect error: %v", s.config.ExtensionID, err)
		return err
	}
	glog.Infof("[%s] disconnected", s.config.ExtensionID)
	return nil
}

func (s *Session) startPollingLocked(gen uint64) {
	s.stopPollingLocked()
	ctx, cancel := context.WithCancel(s.ctx)
	p := &poller{cancel: cancel}
	s.poller = p
	loop := fx.NewLoop()
	loop.Interval = s.config.PollInterval
	loop.AddController(fx.ControlFunc(func(cc fx.ControlContext) error {
		return s.pollValues(cc, gen, p)
	}))
	go loop.Run(ctx)
}

func (s *Session) stopPollingLocked() {
	if p := s.poller; p != nil {
		s.poller = nil
		p.cancel()
	}
}

func (s *Session) pollValues(cc fx.ControlContext, gen uint64, p *poller) error {
	s.lock.Lock()
	if s.generation != gen || s.poller != p {
		s.lock.Unlock()
		cc.Stop()
		return nil
	}
	if !s.isConnectedLocked() {
		s.stopPollingLocked()
		s.state = StateScanning
		s.lock.Unlock()
		glog.V(2).Infof("[%s] link dropped, polling stopped", s.config.ExtensionID)
		cc.Stop()
		return nil
	}
	s.pollCount++
	cycle, h := s.pollCount, s.PollHandler
	s.lock.Unlock()

	glog.V(4).Infof("[%s] poll cycle %d", s.config.ExtensionID, cycle)
	if h != nil {
		h.Poll(cc.Context(), cycle)
	}
	return nil
}

func (s *Session) handleConnect(gen uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.generation != gen || s.transport == nil {
		glog.V(2).Infof("[%s] stale connect ignored", s.config.ExtensionID)
		return
	}
	s.state = StateConnected
	s.startPollingLocked(gen)
	glog.Infof("[%s] connected", s.config.ExtensionID)
}

func (s *Session) handleDisconnect(gen uint64) {
	s.lock.Lock()
	if s.generation != gen {
		s.lock.Unlock()
		return
	}
	t, release := s.detachLocked()
	s.generation++
	s.lock.Unlock()
	if t != nil {
		glog.Warningf("[%s] link lost", s.config.ExtensionID)
	}
	s.releaseTransport(t, release)
}

func (s *Session) handleMessage(gen uint64, msg link.Message) {
	s.lock.Lock()
	current := s.generation == gen && s.transport != nil
	h := s.ReplyHandler
	s.lock.Unlock()
	if !current {
		glog.V(2).Infof("[%s] stale message ignored", s.config.ExtensionID)
		return
	}
	data, err := msg.Bytes()
	if err != nil {
		glog.V(2).Infof("[%s] bad message envelope: %v", s.config.ExtensionID, err)
		return
	}
	reply, err := direct.ParseReply(data)
	if err != nil {
		glog.V(2).Infof("[%s] frame discarded: %v", s.config.ExtensionID, err)
		return
	}
	glog.V(2).Infof("[%s] %s", s.config.ExtensionID, reply)
	if h != nil {
		h.HandleReply(reply)
	}
}

// transportEvents binds transport callbacks to the handle generation they
// were created for.
type transportEvents struct {
	session    *Session
	generation uint64
}

func (e *transportEvents) OnConnect()               { e.session.handleConnect(e.generation) }
func (e *transportEvents) OnDisconnect()            { e.session.handleDisconnect(e.generation) }
func (e *transportEvents) OnMessage(m link.Message) { e.session.handleMessage(e.generation, m) }
