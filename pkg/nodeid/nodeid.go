// Package nodeid derives a stable identifier for this server instance.
package nodeid

import (
	"github.com/denisbrodbeck/machineid"
)

const appKey = "platform-core"

// Get returns a hashed, app-scoped machine id. Falls back to "unknown"
// when the platform does not expose one (containers without /etc/machine-id).
func Get() string {
	id, err := machineid.ProtectedID(appKey)
	if err != nil {
		return "unknown"
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
