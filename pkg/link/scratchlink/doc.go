// Package scratchlink implements link.Transport over the Scratch Link
// JSON-RPC 2.0 WebSocket protocol.
package scratchlink
