// Package mbot is the peripheral session for a two-motor robot reached over
// a wireless serial link.
//
// A Session owns at most one transport handle at a time. Scan replaces the
// handle, Connect pairs the chosen device, and once the transport reports the
// link a poll loop runs until the link drops or Disconnect is called. Sends
// go through a rate limiter and are silently dropped while disconnected or
// over the ceiling. Inbound frames are decoded as direct replies and handed
// to an optional ReplyHandler.
package mbot
