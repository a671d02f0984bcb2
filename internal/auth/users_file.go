package auth

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/parley-chat/parley/internal/crypto/keys"
)

// userEntry is one row of the node's users file.
type userEntry struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	PublicKey string `json:"public_key"`
}

// LoadUsersFile reads a JSON array of registered users and seeds the
// directory with their identities and PEM public keys.
func LoadUsersFile(path string, directory *MemoryDirectory) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read users file: %w", err)
	}

	var entries []userEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return 0, fmt.Errorf("decode users file: %w", err)
	}

	for i, entry := range entries {
		pub, err := keys.ParsePublicKey([]byte(entry.PublicKey))
		if err != nil {
			return 0, fmt.Errorf("user %d (%s): %w", i, entry.Username, err)
		}
		if err := directory.Register(Identity{ID: entry.ID, Username: entry.Username, PublicKey: pub}); err != nil {
			return 0, fmt.Errorf("user %d (%s): %w", i, entry.Username, err)
		}
	}
	return len(entries), nil
}
