package direct

import (
	"bufio"
	"encoding/binary"
)

// ScanReplies is a bufio.SplitFunc cutting a byte stream into reply frames.
// A partial frame left at EOF is returned as the final token so the
// consumer can decide to log it.
func ScanReplies(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) >= 2 {
		n := FrameLen(binary.LittleEndian.Uint16(data[0:2]))
		if len(data) >= n {
			return n, data[:n], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = ScanReplies
