package transport

import (
	"errors"
	"fmt"
	"sort"
)

const (
	frameHandshake = "handshake"
	frameEntry     = "entry"
	frameCommit    = "commit"
)

// maxCloseReason is the payload limit of a close frame minus the status code.
const maxCloseReason = 123

var (
	// ErrReset is reported by the client when the server drops the channel
	// without delivering a reply.
	ErrReset = errors.New("channel reset by remote")
	// ErrBadSignature is reported when an entry does not verify: on the server
	// against the requester identity, on the client against the reply key.
	ErrBadSignature = errors.New("entry signature mismatch")
	// ErrProtocol is returned for unexpected or malformed frames.
	ErrProtocol = errors.New("protocol violation")
)

type frame struct {
	Type     string `json:"type"`
	ReplyKey string `json:"reply_key,omitempty"`
	Path     string `json:"path,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Sig      []byte `json:"sig,omitempty"`
}

func (f frame) validate() error {
	switch f.Type {
	case frameHandshake:
		if f.ReplyKey == "" {
			return fmt.Errorf("%w: handshake without reply key", ErrProtocol)
		}
	case frameEntry:
		if f.Path == "" {
			return fmt.Errorf("%w: entry without path", ErrProtocol)
		}
	case frameCommit:
	default:
		return fmt.Errorf("%w: unknown frame type %q", ErrProtocol, f.Type)
	}
	return nil
}

func truncateReason(s string) string {
	if len(s) <= maxCloseReason {
		return s
	}
	// keep valid UTF-8 by cutting on a rune boundary
	cut := maxCloseReason
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut]
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
