package drive

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadOrCreateKeyPair reads the hex ed25519 seed stored at path, generating
// and persisting a new key pair when the file does not exist yet.
func LoadOrCreateKeyPair(path string) (KeyPair, error) {
	data, err := os.ReadFile(path) // #nosec G304 - operator supplied key file
	if err == nil {
		seed, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil {
			return KeyPair{}, fmt.Errorf("decode key file %s: %w", path, decErr)
		}
		return KeyPairFromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return KeyPair{}, fmt.Errorf("read key file: %w", err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return KeyPair{}, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(kp.Seed())+"\n"), 0o600); err != nil {
		return KeyPair{}, fmt.Errorf("write key file: %w", err)
	}
	return kp, nil
}
