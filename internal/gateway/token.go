package gateway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// tokenByteLen is the raw entropy of the gateway token before hex
// encoding (spec §4.2: "generates a 32-byte random token").
const tokenByteLen = 32

// generateToken returns a fresh hex-encoded random token.
func generateToken() (string, error) {
	buf := make([]byte, tokenByteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("gateway: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// writeTokenFile persists token to path with mode 0600, creating parent
// directories as needed (spec §4.2, §6 "auth-token (mode 0600)").
func writeTokenFile(path, token string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("gateway: mkdir %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("gateway: write token file: %w", err)
	}
	return nil
}

// deleteTokenFile removes the token file on shutdown (spec §4.2, §5).
func deleteTokenFile(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// constantTimeEqual compares two equal-length tokens in constant time. A
// length mismatch is rejected up front, before any byte is compared, so
// the timing does reveal whether the lengths differ. It also guards
// against comparing against an empty configured token (which
// would trivially "match" any candidate under naive implementations).
func constantTimeEqual(configured, candidate string) bool {
	if configured == "" {
		return false
	}
	if len(configured) != len(candidate) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(candidate)) == 1
}
