// Package volume ties the local database, checkpoint guard, chunk store and
// push session bookkeeping together into a single replicated volume with an
// explicit lifecycle: Fresh, Clean, Dirty, Pushing, InterruptedPush.
package volume

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// IDFileName is the identity file kept next to the volume data. It pins the
// volume to one remote identity across restarts.
const IDFileName = "volume_id.txt"

// LoadOrCreateID reads the volume identity from path, generating and
// persisting a fresh one when the file is missing. An existing but empty
// file is treated the same as a missing one, since a crash can leave the
// file created but unwritten.
func LoadOrCreateID(path string) (uuid.UUID, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		text := strings.TrimSpace(string(data))
		if text != "" {
			id, err := uuid.Parse(text)
			if err != nil {
				return uuid.Nil, fmt.Errorf("invalid volume identity in %s: %w", path, err)
			}
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return uuid.Nil, fmt.Errorf("failed to read volume identity %s: %w", path, err)
	}

	id := uuid.New()
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(id.String()+"\n"), 0644); err != nil {
		return uuid.Nil, fmt.Errorf("failed to write volume identity: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return uuid.Nil, fmt.Errorf("failed to rename volume identity into place: %w", err)
	}
	return id, nil
}
