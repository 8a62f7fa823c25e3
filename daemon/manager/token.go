package manager

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// tokenBytes is the entropy of a session token. 32 bytes keeps tokens
// well above the 128-bit floor.
const tokenBytes = 32

// newSessionToken mints an unguessable opaque token. Tokens live only in
// memory and are regenerated on every join.
func newSessionToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
