package mqtt

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/mbot.go/pkg/direct"
	fx "github.com/robotalks/mbot.go/pkg/framework"
	"github.com/robotalks/mbot.go/pkg/link"
)

// Bridge publishes a local robot link under a device id.
type Bridge struct {
	Queue *Queue
	ID    string
	Meta  Meta
	Port  io.ReadWriteCloser

	writeLock sync.Mutex
	seqLock   sync.Mutex
	seq       uint32
}

// NewBridge creates a Bridge. A will clears the retained meta when the
// bridge drops off the broker.
func NewBridge(brokerURL, id string, meta Meta, port io.ReadWriteCloser) (*Bridge, error) {
	opts, prefix, err := ClientOptionsFromURL(brokerURL)
	if err != nil {
		return nil, err
	}
	opts.SetBinaryWill(prefix+DeviceTopic(id, TopicMeta), nil, 1, true)
	if opts.ClientID == "" {
		opts.SetClientID("mbot-bridge:" + id)
	}
	b := &Bridge{ID: id, Meta: meta, Port: port}
	b.Queue = NewQueue(opts, prefix)
	b.Queue.OnConnect = func(*Queue) { b.publishMeta(EncodeMeta(b.Meta)) }
	b.Queue.Sub(DeviceTopic(id, TopicTx), b.handleTx)
	return b, nil
}

// Run implements framework.Runnable. It returns when ctx is done or the
// port fails.
func (b *Bridge) Run(ctx context.Context) error {
	token := b.Queue.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return err
	}
	glog.Infof("bridging %q as %q", b.Meta.Port, b.ID)

	err := fx.RunWithContextCloser(ctx, b.Port, b.pump)
	b.Queue.PubWith(DeviceTopic(b.ID, TopicMeta), nil, 1, true).WaitTimeout(time.Second)
	b.Queue.Close()
	return err
}

func (b *Bridge) publishMeta(payload []byte) {
	token := b.Queue.PubWith(DeviceTopic(b.ID, TopicMeta), payload, 1, true)
	go func() {
		if token.Wait(); token.Error() != nil {
			glog.Warningf("publish meta: %v", token.Error())
		}
	}()
}

func (b *Bridge) pump() error {
	scanner := bufio.NewScanner(b.Port)
	scanner.Buffer(make([]byte, 0, 256), direct.HeaderLen+0xffff)
	scanner.Split(direct.ScanReplies)
	for scanner.Scan() {
		payload, err := MarshalEnvelope(b.frameEnvelope(scanner.Bytes()))
		if err != nil {
			return err
		}
		b.Queue.Pub(DeviceTopic(b.ID, TopicRx), payload)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (b *Bridge) frameEnvelope(frame []byte) *Envelope {
	b.seqLock.Lock()
	b.seq++
	seq := b.seq
	b.seqLock.Unlock()
	return &Envelope{
		Encoding: string(link.EncodingBase64),
		Data:     append([]byte(nil), frame...),
		Seq:      seq,
	}
}

func (b *Bridge) handleTx(topic string, payload []byte) {
	env, err := UnmarshalEnvelope(payload)
	if err != nil {
		glog.V(2).Infof("bad envelope on %q: %v", topic, err)
		return
	}
	glog.V(2).Infof("TX #%d % x", env.Seq, env.Data)
	b.writeLock.Lock()
	defer b.writeLock.Unlock()
	if _, err := b.Port.Write(env.Data); err != nil {
		glog.Warningf("write %q: %v", b.Meta.Port, err)
	}
}
