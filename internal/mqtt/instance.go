package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateClientID returns a stable MQTT client id for deviceName.
// The random part is generated once and kept in dataDir so restarts
// reuse the broker session instead of leaving orphans behind.
func LoadOrCreateClientID(dataDir, deviceName string) (string, error) {
	path := filepath.Join(dataDir, "mqtt_client_id")

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return deviceName + "-" + id, nil
		}
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	// The low bits of a v7 uuid are random; the leading ones are a
	// timestamp shared by ids minted in the same millisecond.
	id := strings.ReplaceAll(u.String(), "-", "")[20:]
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist client id to %s: %w", path, err)
	}
	return deviceName + "-" + id, nil
}
