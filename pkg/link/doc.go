// Package link defines the contract between a peripheral session and the
// transport that discovers, pairs and exchanges raw messages with a device
// over a wireless serial link.
//
// A Transport is created per scan through a Factory and reports back through
// a Handler. Implementations live in sub-packages:
//
//	scratchlink  Scratch Link JSON-RPC over WebSocket
//	serial       local serial ports (Bluetooth RFCOMM, USB)
//	mqtt         devices exposed by an MQTT bridge
package link
