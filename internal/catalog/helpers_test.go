package catalog

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/require"
)

func plumbingHash(t *testing.T, s string) plumbing.Hash {
	t.Helper()
	h := plumbing.NewHash(s)
	require.False(t, h.IsZero(), "invalid hash %q", s)
	return h
}
