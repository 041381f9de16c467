package drive

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// KeySize is the length of a drive key in bytes.
const KeySize = ed25519.PublicKeySize

// Key identifies a drive; its hex form is the requester identity.
type Key [KeySize]byte

// ParseKey decodes a 64 character hex key.
func ParseKey(s string) (Key, error) {
	var k Key
	if len(s) != hex.EncodedLen(KeySize) {
		return k, fmt.Errorf("invalid key length %d", len(s))
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return k, fmt.Errorf("invalid key: %w", err)
	}
	return k, nil
}

// KeyFromPublic converts an ed25519 public key.
func KeyFromPublic(pub ed25519.PublicKey) Key {
	var k Key
	copy(k[:], pub)
	return k
}

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool { return k == Key{} }

// KeyPair is a reply identity: the public key names the response archive,
// the private key signs what is sent back.
type KeyPair struct {
	Public  Key
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh reply identity.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key pair: %w", err)
	}
	return KeyPair{Public: KeyFromPublic(pub), private: priv}, nil
}

// KeyPairFromSeed derives a key pair from a stored ed25519 seed.
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("invalid seed length %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{Public: KeyFromPublic(priv.Public().(ed25519.PublicKey)), private: priv}, nil
}

// Seed returns the private seed for persistence.
func (kp KeyPair) Seed() []byte { return kp.private.Seed() }

// Sign signs an archive entry.
func (kp KeyPair) Sign(path string, data []byte) []byte {
	return ed25519.Sign(kp.private, entryMessage(path, data))
}

// Verify checks an entry signature against a public key.
func Verify(k Key, path string, data, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(k[:]), entryMessage(path, data), sig)
}

func entryMessage(path string, data []byte) []byte {
	msg := make([]byte, 0, len(path)+1+len(data))
	msg = append(msg, path...)
	msg = append(msg, 0)
	return append(msg, data...)
}
