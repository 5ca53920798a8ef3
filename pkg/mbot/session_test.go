package mbot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/mbot.go/pkg/direct"
	"github.com/robotalks/mbot.go/pkg/link"
)

type connectRequest struct {
	id  string
	pin string
}

type fakeTransport struct {
	params  link.Params
	handler link.Handler

	lock        sync.Mutex
	connected   bool
	disconnects int
	connects    []connectRequest
	sent        []link.Message
	sendErr     error
}

func (t *fakeTransport) ConnectPeripheral(id, pin string) link.Future {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.connects = append(t.connects, connectRequest{id: id, pin: pin})
	return link.Resolved(nil)
}

func (t *fakeTransport) Disconnect() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.disconnects++
	t.connected = false
	return nil
}

func (t *fakeTransport) IsConnected() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.connected
}

func (t *fakeTransport) SendMessage(m link.Message) link.Future {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.sent = append(t.sent, m)
	return link.Resolved(t.sendErr)
}

func (t *fakeTransport) linkUp() {
	t.setConnected(true)
	t.handler.OnConnect()
}

func (t *fakeTransport) linkDown() {
	t.setConnected(false)
	t.handler.OnDisconnect()
}

func (t *fakeTransport) setConnected(connected bool) {
	t.lock.Lock()
	t.connected = connected
	t.lock.Unlock()
}

func (t *fakeTransport) deliver(data []byte) {
	t.handler.OnMessage(link.BinaryMessage(data))
}

func (t *fakeTransport) sentMessages() []link.Message {
	t.lock.Lock()
	defer t.lock.Unlock()
	return append([]link.Message(nil), t.sent...)
}

func (t *fakeTransport) disconnectCount() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.disconnects
}

type fakeFactory struct {
	lock       sync.Mutex
	transports []*fakeTransport
	err        error
}

func (f *fakeFactory) NewTransport(ctx context.Context, params link.Params, handler link.Handler) (link.Transport, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{params: params, handler: handler}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) last() *fakeTransport {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.transports[len(f.transports)-1]
}

func testConfig() Config {
	config := DefaultConfig()
	config.PollInterval = 5 * time.Millisecond
	return config
}

func newTestSession(t *testing.T, config Config) (*Session, *fakeFactory) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	factory := &fakeFactory{}
	return NewSession(ctx, factory, config), factory
}

func connectedSession(t *testing.T, config Config) (*Session, *fakeTransport) {
	s, factory := newTestSession(t, config)
	require.NoError(t, s.Scan())
	tr := factory.last()
	require.NoError(t, link.Wait(context.Background(), s.Connect("D1")))
	tr.linkUp()
	require.True(t, s.IsConnected())
	return s, tr
}

func waitResult(t *testing.T, f link.Future) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return link.Wait(ctx, f)
}

func requirePollingStopped(t *testing.T, s *Session) {
	count := s.PollCount()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, count, s.PollCount())
}

func TestNewSessionDefaults(t *testing.T) {
	s, _ := newTestSession(t, Config{})
	config := s.Config()
	require.Equal(t, DefaultExtensionID, config.ExtensionID)
	require.Equal(t, DefaultFilter, config.Filter)
	require.Equal(t, DefaultPairingPin, config.PairingPin)
	require.Equal(t, DefaultPollInterval, config.PollInterval)
	require.Equal(t, DefaultSendRateMax, config.SendRateMax)
	require.Equal(t, StateIdle, s.State())
	require.False(t, s.IsConnected())
}

func TestScanKeepsOneTransport(t *testing.T) {
	s, factory := newTestSession(t, testConfig())
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Scan())
	}
	require.Len(t, factory.transports, 3)
	require.Equal(t, 1, factory.transports[0].disconnectCount())
	require.Equal(t, 1, factory.transports[1].disconnectCount())
	require.Equal(t, 0, factory.transports[2].disconnectCount())
	require.Equal(t, StateScanning, s.State())

	params := factory.last().params
	require.Equal(t, DefaultExtensionID, params.ExtensionID)
	require.Equal(t, link.DeviceFilter{MajorDeviceClass: 8, MinorDeviceClass: 1}, params.Filter)
}

func TestScanReleasesConnectedTransport(t *testing.T) {
	s, first := connectedSession(t, testConfig())
	require.NoError(t, s.Scan())
	require.Equal(t, 1, first.disconnectCount())
	require.False(t, s.IsConnected())
	requirePollingStopped(t, s)
}

func TestScanFactoryError(t *testing.T) {
	s, factory := newTestSession(t, testConfig())
	factory.err = errors.New("no bridge")
	err := s.Scan()
	require.Error(t, err)
	require.True(t, errors.Is(err, factory.err))
	require.Equal(t, StateIdle, s.State())
}

func TestConnectForwardsPin(t *testing.T) {
	s, factory := newTestSession(t, testConfig())
	require.NoError(t, waitResult(t, s.Connect("D1")))

	require.NoError(t, s.Scan())
	require.NoError(t, waitResult(t, s.Connect("D1")))
	require.Equal(t, []connectRequest{{id: "D1", pin: "1234"}}, factory.last().connects)
}

func TestDisconnectIdempotent(t *testing.T) {
	s, _ := newTestSession(t, testConfig())
	require.NoError(t, s.Disconnect())

	s, tr := connectedSession(t, testConfig())
	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())
	require.Equal(t, 1, tr.disconnectCount())
	require.Equal(t, StateIdle, s.State())
	require.False(t, s.IsConnected())
}

func TestSendWhileDisconnected(t *testing.T) {
	s, factory := newTestSession(t, testConfig())
	require.NoError(t, waitResult(t, s.Send([]byte{1, 2}, true)))
	require.NoError(t, waitResult(t, s.SendText("Stop", false)))

	require.NoError(t, s.Scan())
	require.NoError(t, waitResult(t, s.SendText("Stop", true)))
	require.Empty(t, factory.last().sentMessages())
}

func TestSendEncodings(t *testing.T) {
	s, tr := connectedSession(t, testConfig())
	require.NoError(t, waitResult(t, s.Send([]byte{0xff, 0x55, 0x00}, true)))
	require.NoError(t, waitResult(t, s.SendText("Stop motors", true)))
	require.Equal(t, []link.Message{
		{Message: "/1UA", Encoding: link.EncodingBase64},
		{Message: "Stop motors", Encoding: link.EncodingUTF8},
	}, tr.sentMessages())
}

func TestSendRateLimited(t *testing.T) {
	config := testConfig()
	config.SendRateMax = 5
	s, tr := connectedSession(t, config)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s.limiter.now = clock.Now

	for i := 0; i < config.SendRateMax+1; i++ {
		require.NoError(t, waitResult(t, s.SendText("Stop", true)))
	}
	require.Len(t, tr.sentMessages(), config.SendRateMax)

	for i := 0; i < 3; i++ {
		require.NoError(t, waitResult(t, s.SendText("Stop", false)))
	}
	require.Len(t, tr.sentMessages(), config.SendRateMax+3)

	clock.Advance(time.Second)
	require.NoError(t, waitResult(t, s.SendText("Stop", true)))
	require.Len(t, tr.sentMessages(), config.SendRateMax+4)
}

func TestSendCeilingWithZeroConfig(t *testing.T) {
	s, tr := connectedSession(t, Config{})
	s.limiter.now = (&fakeClock{now: time.Unix(1000, 0)}).Now
	for i := 0; i < 100; i++ {
		require.NoError(t, waitResult(t, s.SendText("Stop", true)))
	}
	require.Len(t, tr.sentMessages(), DefaultSendRateMax)
}

func TestSendUnlimited(t *testing.T) {
	config := testConfig()
	config.SendRateMax = -1
	s, tr := connectedSession(t, config)
	for i := 0; i < 100; i++ {
		require.NoError(t, waitResult(t, s.SendText("Stop", true)))
	}
	require.Len(t, tr.sentMessages(), 100)
}

func TestSendTransportError(t *testing.T) {
	s, tr := connectedSession(t, testConfig())
	tr.sendErr = errors.New("write failed")
	require.Equal(t, tr.sendErr, waitResult(t, s.SendText("Stop", false)))
}

func TestPollingWhileConnected(t *testing.T) {
	config := testConfig()
	s, factory := newTestSession(t, config)
	cycles := make(chan uint32, 100)
	s.PollHandler = PollFunc(func(ctx context.Context, cycle uint32) {
		select {
		case cycles <- cycle:
		default:
		}
	})
	require.NoError(t, s.Scan())
	tr := factory.last()
	require.Zero(t, s.PollCount())
	tr.linkUp()
	require.Equal(t, StateConnected, s.State())

	require.Eventually(t, func() bool { return s.PollCount() >= 3 }, time.Second, time.Millisecond)
	require.Equal(t, uint32(1), <-cycles)
	require.Equal(t, uint32(2), <-cycles)
}

func TestPollingStopsOnDisconnect(t *testing.T) {
	s, _ := connectedSession(t, testConfig())
	require.Eventually(t, func() bool { return s.PollCount() >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, s.Disconnect())
	requirePollingStopped(t, s)
}

func TestPollingStopsOnLinkLoss(t *testing.T) {
	s, tr := connectedSession(t, testConfig())
	require.Eventually(t, func() bool { return s.PollCount() >= 2 }, time.Second, time.Millisecond)
	tr.linkDown()
	require.Equal(t, 1, tr.disconnectCount())
	require.Equal(t, StateIdle, s.State())
	requirePollingStopped(t, s)
}

func TestPollingStopsOnSilentLinkDrop(t *testing.T) {
	s, tr := connectedSession(t, testConfig())
	require.Eventually(t, func() bool { return s.PollCount() >= 1 }, time.Second, time.Millisecond)
	tr.setConnected(false)
	require.Eventually(t, func() bool { return s.State() == StateScanning }, time.Second, time.Millisecond)
	requirePollingStopped(t, s)

	// the same transport may link again
	tr.linkUp()
	count := s.PollCount()
	require.Eventually(t, func() bool { return s.PollCount() > count }, time.Second, time.Millisecond)
}

func TestStaleCallbacksIgnored(t *testing.T) {
	s, tr := connectedSession(t, testConfig())
	var replies []*direct.Reply
	var lock sync.Mutex
	s.ReplyHandler = HandleReplyFunc(func(r *direct.Reply) {
		lock.Lock()
		replies = append(replies, r)
		lock.Unlock()
	})
	require.NoError(t, s.Disconnect())

	tr.linkUp()
	tr.deliver([]byte{0x03, 0x00, 0x07, 0x00, 0x02, 0xAA})
	tr.linkDown()
	require.Equal(t, StateIdle, s.State())
	require.False(t, s.IsConnected())
	requirePollingStopped(t, s)
	lock.Lock()
	require.Empty(t, replies)
	lock.Unlock()
}

func TestStaleCallbacksAfterRescan(t *testing.T) {
	s, old := connectedSession(t, testConfig())
	factory := s.factory.(*fakeFactory)
	require.NoError(t, s.Scan())
	current := factory.last()

	old.linkDown()
	require.Equal(t, StateScanning, s.State())
	require.Equal(t, 0, current.disconnectCount())
}

func TestInboundReplies(t *testing.T) {
	s, tr := connectedSession(t, testConfig())
	replies := make(chan *direct.Reply, 10)
	s.ReplyHandler = HandleReplyFunc(func(r *direct.Reply) { replies <- r })

	require.NotPanics(t, func() {
		tr.deliver(nil)
		tr.deliver([]byte{0x03, 0x00})
		tr.deliver([]byte{0x09, 0x00, 0x01, 0x00, 0x02, 0xAA})
		tr.handler.OnMessage(link.Message{Message: "!!!", Encoding: link.EncodingBase64})
	})
	require.Empty(t, replies)

	tr.deliver([]byte{0x03, 0x00, 0x07, 0x00, 0x02, 0xAA})
	require.Len(t, replies, 1)
	r := <-replies
	require.Equal(t, uint16(3), r.Size)
	require.Equal(t, uint16(7), r.Counter)
	require.Equal(t, direct.ReplyTypeDirectReplyError, r.Type)
	require.Equal(t, []byte{0xAA}, r.Payload)
	require.True(t, s.IsConnected())
}

func TestStopAll(t *testing.T) {
	s, _ := newTestSession(t, testConfig())
	require.NotPanics(t, s.StopAll)

	called := 0
	config := testConfig()
	config.OnStopAll = func() { called++ }
	s, _ = newTestSession(t, config)
	s.StopAll()
	require.Equal(t, 1, called)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "idle", StateIdle.String())
	require.Equal(t, "scanning", StateScanning.String())
	require.Equal(t, "connected", StateConnected.String())
	require.Equal(t, "State(9)", State(9).String())
}

func TestSessionMoveScenario(t *testing.T) {
	s, factory := newTestSession(t, testConfig())
	require.NoError(t, s.Scan())
	tr := factory.last()
	require.NoError(t, waitResult(t, s.Connect("D1")))
	tr.linkUp()
	require.Eventually(t, func() bool { return s.PollCount() >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, waitResult(t, s.SendText("Move Forward for 2000", true)))
	require.NoError(t, waitResult(t, s.SendText("Stop", true)))
	require.NoError(t, s.Disconnect())
	requirePollingStopped(t, s)

	require.NoError(t, waitResult(t, s.SendText("Stop", true)))
	require.Equal(t, []link.Message{
		link.TextMessage("Move Forward for 2000"),
		link.TextMessage("Stop"),
	}, tr.sentMessages())
}
