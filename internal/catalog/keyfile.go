package catalog

import (
	"path/filepath"

	"git.home.luguber.info/inful/sketchrender/internal/drive"
)

// keyFile lives in the git directory so it is never committed, served or
// touched by a worktree reset.
const keyFile = "sketchrender-key"

func loadOrCreateKey(dir string) (drive.KeyPair, error) {
	return drive.LoadOrCreateKeyPair(filepath.Join(dir, ".git", keyFile))
}
