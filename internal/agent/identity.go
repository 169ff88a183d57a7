package agent

import (
	"errors"
	"os"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateIdentity returns the stable per-install client identity,
// generating and persisting a fresh UUID on first run. Once written it is
// never regenerated.
func LoadOrCreateIdentity(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if len(id) == 36 {
			if _, err := uuid.Parse(id); err == nil {
				return id, nil
			}
		}
		// Fall through and regenerate only if the file is unreadable as
		// an identity; a valid one is immutable.
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}
