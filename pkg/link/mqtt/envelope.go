package mqtt

import (
	"encoding/json"

	"github.com/golang/protobuf/proto"

	"github.com/robotalks/mbot.go/pkg/link"
)

// Topic suffixes under a device id.
const (
	TopicMeta = "meta"
	TopicTx   = "tx"
	TopicRx   = "rx"
)

// DeviceTopic returns the topic of kind under id.
func DeviceTopic(id, kind string) string {
	return id + "/" + kind
}

// DeviceOf extracts the device id from a <id>/<kind> topic.
func DeviceOf(topic, kind string) (string, bool) {
	suffix := "/" + kind
	if len(topic) <= len(suffix) || topic[len(topic)-len(suffix):] != suffix {
		return "", false
	}
	return topic[:len(topic)-len(suffix)], true
}

// Meta is the retained description of a bridged robot.
type Meta struct {
	Name string `json:"name"`
	Port string `json:"port,omitempty"`
	Baud int    `json:"baud,omitempty"`
}

// EncodeMeta encodes meta as the retained payload.
func EncodeMeta(meta Meta) []byte {
	data, err := json.Marshal(&meta)
	if err != nil {
		panic(err)
	}
	return data
}

// DecodeMeta decodes a retained payload, ok is false for an empty one.
func DecodeMeta(payload []byte) (meta Meta, ok bool, err error) {
	if len(payload) == 0 {
		return meta, false, nil
	}
	err = json.Unmarshal(payload, &meta)
	return meta, err == nil, err
}

// Envelope carries one message on the tx and rx topics.
type Envelope struct {
	Encoding string `protobuf:"bytes,1,opt,name=encoding,proto3" json:"encoding,omitempty"`
	Data     []byte `protobuf:"bytes,2,opt,name=data,proto3" json:"data,omitempty"`
	Seq      uint32 `protobuf:"varint,3,opt,name=seq,proto3" json:"seq,omitempty"`
}

// ProtoMessage implements proto.Message.
func (m *Envelope) ProtoMessage() {}

// Reset implements proto.Message.
func (m *Envelope) Reset() { *m = Envelope{} }

// String implements proto.Message.
func (m *Envelope) String() string { return proto.CompactTextString(m) }

// EnvelopeOf wraps a link message, decoding base64 content into Data.
func EnvelopeOf(m link.Message) (*Envelope, error) {
	data, err := m.Bytes()
	if err != nil {
		return nil, err
	}
	encoding := m.Encoding
	if encoding == "" {
		encoding = link.EncodingBase64
	}
	return &Envelope{Encoding: string(encoding), Data: data}, nil
}

// Message converts the envelope back to a link message.
func (m *Envelope) Message() link.Message {
	if link.Encoding(m.Encoding) == link.EncodingUTF8 {
		return link.TextMessage(string(m.Data))
	}
	return link.BinaryMessage(m.Data)
}

// MarshalEnvelope encodes an envelope.
func MarshalEnvelope(m *Envelope) ([]byte, error) {
	return proto.Marshal(m)
}

// UnmarshalEnvelope decodes an envelope.
func UnmarshalEnvelope(payload []byte) (*Envelope, error) {
	m := &Envelope{}
	if err := proto.Unmarshal(payload, m); err != nil {
		return nil, err
	}
	return m, nil
}
