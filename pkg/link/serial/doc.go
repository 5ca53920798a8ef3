// Package serial implements link.Transport over a serial port, such as a
// Bluetooth RFCOMM device or a USB cable.
package serial
