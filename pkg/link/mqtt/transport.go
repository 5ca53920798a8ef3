package mqtt

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/robotalks/mbot.go/pkg/link"
)

// Factory creates transports talking to bridges through a broker.
type Factory struct {
	BrokerURL string
}

// NewFactory creates a Factory after validating brokerURL.
func NewFactory(brokerURL string) (*Factory, error) {
	if _, _, err := ClientOptionsFromURL(brokerURL); err != nil {
		return nil, err
	}
	return &Factory{BrokerURL: brokerURL}, nil
}

// NewTransport implements link.Factory. Discovery reports every bridge
// whose retained meta is online.
func (f *Factory) NewTransport(ctx context.Context, params link.Params, handler link.Handler) (link.Transport, error) {
	opts, prefix, err := ClientOptionsFromURL(f.BrokerURL)
	if err != nil {
		return nil, err
	}
	t := newTransport(NewQueue(opts, prefix), params, handler)
	token := t.queue.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		t.Disconnect()
	}()
	return t, nil
}

// Transport is a link.Transport to one bridged robot.
type Transport struct {
	queue   *Queue
	params  link.Params
	handler link.Handler

	lock       sync.Mutex
	online     map[string]bool
	device     string
	rxSub      *Subscription
	connecting *link.Promise
	connected  bool
	closed     bool
	seq        uint32
}

func newTransport(q *Queue, params link.Params, handler link.Handler) *Transport {
	t := &Transport{
		queue:   q,
		params:  params,
		handler: handler,
		online:  make(map[string]bool),
	}
	q.OnConnectionLost = func(*Queue, error) { t.linkDown("") }
	q.Sub(DeviceTopic("+", TopicMeta), t.handleMeta)
	return t
}

// ConnectPeripheral implements link.Transport. id is the bridge device id.
// The future resolves once the bridge is online.
func (t *Transport) ConnectPeripheral(id, pin string) link.Future {
	p := link.NewPromise()
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		p.Resolve(link.ErrClosed)
		return p
	}
	if t.device == id && t.connected {
		t.lock.Unlock()
		p.Resolve(nil)
		return p
	}
	prevSub := t.rxSub
	t.device, t.connecting, t.connected = id, p, false
	t.rxSub = t.queue.Sub(DeviceTopic(id, TopicRx), t.handleRx)
	online := t.online[id]
	t.lock.Unlock()

	if prevSub != nil {
		prevSub.Close()
	}
	if online {
		go t.linkUp(id)
	}
	return p
}

// Disconnect implements link.Transport.
func (t *Transport) Disconnect() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}
	t.closed, t.connected = true, false
	p := t.connecting
	t.connecting = nil
	t.lock.Unlock()
	if p != nil {
		p.Resolve(link.ErrClosed)
	}
	return t.queue.Close()
}

// IsConnected implements link.Transport.
func (t *Transport) IsConnected() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.connected
}

// SendMessage implements link.Transport.
func (t *Transport) SendMessage(m link.Message) link.Future {
	env, err := EnvelopeOf(m)
	if err != nil {
		return link.Resolved(err)
	}
	t.lock.Lock()
	if !t.connected {
		t.lock.Unlock()
		return link.Resolved(link.ErrNotConnected)
	}
	t.seq++
	env.Seq = t.seq
	device := t.device
	t.lock.Unlock()

	payload, err := MarshalEnvelope(env)
	if err != nil {
		return link.Resolved(err)
	}
	p := link.NewPromise()
	go func() {
		// Pub blocks while the client's outbound writer is stalled.
		token := t.queue.Pub(DeviceTopic(device, TopicTx), payload)
		token.Wait()
		p.Resolve(token.Error())
	}()
	return p
}

func (t *Transport) handleMeta(topic string, payload []byte) {
	id, ok := DeviceOf(topic, TopicMeta)
	if !ok {
		return
	}
	meta, online, err := DecodeMeta(payload)
	if err != nil {
		glog.V(2).Infof("bad meta on %q: %v", topic, err)
		return
	}
	t.lock.Lock()
	t.online[id] = online
	device := t.device
	t.lock.Unlock()

	if !online {
		glog.V(2).Infof("bridge %q offline", id)
		if id == device {
			go t.linkDown(id)
		}
		return
	}
	glog.V(2).Infof("bridge %q online: %s", id, meta.Name)
	t.params.ReportDiscovered(link.Peripheral{ID: id, Name: meta.Name})
	if id == device {
		go t.linkUp(id)
	}
}

func (t *Transport) handleRx(topic string, payload []byte) {
	env, err := UnmarshalEnvelope(payload)
	if err != nil {
		glog.V(2).Infof("bad envelope on %q: %v", topic, err)
		return
	}
	id, _ := DeviceOf(topic, TopicRx)
	t.lock.Lock()
	current := t.connected && id == t.device
	t.lock.Unlock()
	if current {
		t.handler.OnMessage(env.Message())
	}
}

func (t *Transport) linkUp(id string) {
	t.lock.Lock()
	if t.closed || t.device != id || t.connected {
		t.lock.Unlock()
		return
	}
	t.connected = true
	p := t.connecting
	t.connecting = nil
	t.lock.Unlock()

	glog.Infof("linked to bridge %q", id)
	if p != nil {
		p.Resolve(nil)
	}
	t.handler.OnConnect()
}

// linkDown reports the loss of device id, any device if id is empty.
func (t *Transport) linkDown(id string) {
	t.lock.Lock()
	if !t.connected || (id != "" && id != t.device) {
		t.lock.Unlock()
		return
	}
	t.connected = false
	t.lock.Unlock()
	t.handler.OnDisconnect()
}
