package env

import (
	"github.com/denisbrodbeck/machineid"
)

// DeviceID derives a stable device id for this machine. The raw machine id
// is hashed so it is not exposed on the broker.
func DeviceID() (string, error) {
	id, err := machineid.ProtectedID("mbot")
	if err != nil {
		return "", err
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return "mbot-" + id, nil
}
