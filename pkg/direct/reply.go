package direct

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the number of bytes before the response buffer.
const HeaderLen = 5

// ReplyType is byte 4 of a reply.
type ReplyType byte

// Reply types.
const (
	ReplyTypeDirectReply      ReplyType = 0x01
	ReplyTypeDirectReplyError ReplyType = 0x02
)

// String implements fmt.Stringer.
func (t ReplyType) String() string {
	switch t {
	case ReplyTypeDirectReply:
		return "DIRECT_REPLY"
	case ReplyTypeDirectReplyError:
		return "DIRECT_REPLY_ERROR"
	}
	return fmt.Sprintf("ReplyType(%#02x)", byte(t))
}

// ReplyTypeOf maps a raw type byte, unknown values read as an error reply.
func ReplyTypeOf(b byte) ReplyType {
	if t := ReplyType(b); t == ReplyTypeDirectReply {
		return t
	}
	return ReplyTypeDirectReplyError
}

// Reply is a decoded direct reply.
type Reply struct {
	Size    uint16
	Counter uint16
	Type    ReplyType
	// RawType keeps byte 4 as received.
	RawType byte
	Payload []byte
}

// IsError indicates the firmware reported a failure.
func (r *Reply) IsError() bool {
	return r.Type != ReplyTypeDirectReply
}

// String implements fmt.Stringer.
func (r *Reply) String() string {
	return fmt.Sprintf("reply #%d %s size=%d payload=% x", r.Counter, r.Type, r.Size, r.Payload)
}

// PayloadLen returns the response buffer length announced by size.
func PayloadLen(size uint16) int {
	if size < 2 {
		return 0
	}
	return int(size) - 2
}

// FrameLen returns the total frame length announced by size.
func FrameLen(size uint16) int {
	return HeaderLen + PayloadLen(size)
}

// ParseReply decodes one reply frame. It never panics: frames shorter than
// the header fail with ErrShortReply, and a response buffer running past
// the end of data fails with ErrTruncatedReply. Trailing bytes are ignored.
func ParseReply(data []byte) (*Reply, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortReply, len(data))
	}
	r := &Reply{
		Size:    binary.LittleEndian.Uint16(data[0:2]),
		Counter: binary.LittleEndian.Uint16(data[2:4]),
		RawType: data[4],
	}
	r.Type = ReplyTypeOf(r.RawType)
	end := FrameLen(r.Size)
	if end > len(data) {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrTruncatedReply, end, len(data))
	}
	r.Payload = append([]byte(nil), data[HeaderLen:end]...)
	return r, nil
}
