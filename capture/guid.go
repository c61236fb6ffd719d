package capture

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// LoadGUID returns the persistent installation GUID, creating it on first
// use. Cameras remember the GUID from the pairing handshake; regenerating it
// invalidates existing pairings, so the slot is write-once and read-only
// afterwards.
func LoadGUID(path string) (uuid.UUID, error) {
	if data, err := os.ReadFile(path); err == nil {
		id, err := uuid.ParseBytes(data)
		if err != nil {
			return uuid.Nil, errors.Wrapf(err, "corrupt guid file %s", path)
		}
		return id, nil
	} else if !os.IsNotExist(err) {
		return uuid.Nil, errors.Wrap(err, "read guid file")
	}

	id := uuid.New()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return uuid.Nil, errors.Wrap(err, "create guid dir")
	}
	if err := os.WriteFile(path, []byte(id.String()), 0o600); err != nil {
		return uuid.Nil, errors.Wrap(err, "write guid file")
	}
	return id, nil
}

// DefaultGUIDPath is the per-user slot used when the application does not
// provide its own configuration store.
func DefaultGUIDPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "user config dir")
	}
	return filepath.Join(dir, "framefast", "ptpip_guid"), nil
}
