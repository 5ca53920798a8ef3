// Package mqtt exposes robots through an MQTT broker. A Bridge publishes a
// local serial link under a device id and Transport connects to it from
// anywhere the broker is reachable.
//
// Topics, relative to the prefix in the broker URL path:
//
//	<id>/meta  retained JSON Meta, empty when the bridge is offline
//	<id>/tx    Envelope to the robot
//	<id>/rx    Envelope from the robot
package mqtt
