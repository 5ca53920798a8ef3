package direct

import "errors"

var (
	// ErrShortReply indicates fewer bytes than a reply header.
	ErrShortReply = errors.New("reply shorter than header")
	// ErrTruncatedReply indicates the response buffer is cut short.
	ErrTruncatedReply = errors.New("reply truncated")
)
