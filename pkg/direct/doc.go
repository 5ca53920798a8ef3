// Package direct decodes direct reply frames sent by the robot firmware.
package direct

// A direct reply answers a direct command and is laid out as:
//
//	byte 0-1  reply size, little-endian, not counting these 2 bytes
//	byte 2-3  message counter, little-endian, equals the command's counter
//	byte 4    reply type
//	byte 5-n  response buffer, size-2 bytes
//
// The layout is fixed by the firmware.
