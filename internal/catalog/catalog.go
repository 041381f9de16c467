package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"git.home.luguber.info/inful/sketchrender/internal/config"
	"git.home.luguber.info/inful/sketchrender/internal/drive"
	"git.home.luguber.info/inful/sketchrender/internal/logfields"
)

const (
	// ManifestFile describes the catalog.
	ManifestFile = "catalog.json"
	// WellKnownFile advertises the catalog key and its TTL.
	WellKnownFile = ".well-known/sketchrender"
	// PointerDir holds one pointer file per published identity.
	PointerDir = "sketch"
	// ArtifactFile is the name of the published document inside <identity>/.
	ArtifactFile = "index.html"

	// Scheme prefixes the catalog key in the well-known pointer.
	Scheme = "sketchrender://"

	discoveryContext = "sketchrender"
	authorName       = "sketchrender"
	authorEmail      = "sketchrender@localhost"
)

// ErrNotFound is returned by Lookup for identities that never published.
var ErrNotFound = errors.New("catalog entry not found")

// Manifest is the content of catalog.json.
type Manifest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Record locates one published sketch.
type Record struct {
	Identity drive.Key `json:"-"`
	Path     string    `json:"path"`
	Pointer  string    `json:"pointer"`
	Revision string    `json:"revision"`
}

// Catalog is a git-backed registry of published artifacts.
type Catalog struct {
	dir  string
	cfg  config.CatalogConfig
	repo *git.Repository
	wt   *git.Worktree
	fs   billy.Filesystem
	key  drive.KeyPair

	mu sync.RWMutex
}

// Open opens the catalog in cfg.Dir, creating the repository, key pair,
// manifest and well-known pointer on first use.
func Open(cfg config.CatalogConfig) (*Catalog, error) {
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}
	repo, err := git.PlainOpen(cfg.Dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		slog.Info("Initializing catalog repository", logfields.Path(cfg.Dir))
		repo, err = git.PlainInit(cfg.Dir, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open catalog repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open catalog worktree: %w", err)
	}
	key, err := loadOrCreateKey(cfg.Dir)
	if err != nil {
		return nil, err
	}

	c := &Catalog{dir: cfg.Dir, cfg: cfg, repo: repo, wt: wt, fs: wt.Filesystem, key: key}
	if err := c.bootstrap(); err != nil {
		return nil, err
	}
	slog.Info("Catalog ready",
		logfields.Path(cfg.Dir),
		slog.String("key", key.Public.String()),
		slog.String("discovery_key", c.DiscoveryKey().String()))
	return c, nil
}

// bootstrap writes the manifest and the well-known pointer if they are absent.
func (c *Catalog) bootstrap() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var added []string
	if _, err := c.fs.Stat(ManifestFile); os.IsNotExist(err) {
		data, err := json.MarshalIndent(Manifest{Title: c.cfg.Title, Description: c.description()}, "", "  ")
		if err != nil {
			return err
		}
		if err := util.WriteFile(c.fs, ManifestFile, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", ManifestFile, err)
		}
		added = append(added, ManifestFile)
	}
	if _, err := c.fs.Stat(WellKnownFile); os.IsNotExist(err) {
		if err := c.fs.MkdirAll(path.Dir(WellKnownFile), 0o755); err != nil {
			return err
		}
		content := fmt.Sprintf("%s%s \nTTL=%d", Scheme, c.key.Public, c.cfg.TTL)
		if err := util.WriteFile(c.fs, WellKnownFile, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", WellKnownFile, err)
		}
		added = append(added, WellKnownFile)
	}
	if len(added) == 0 {
		return nil
	}
	_, err := c.commit("Initialize catalog", added...)
	return err
}

func (c *Catalog) description() string {
	if c.cfg.Description != "" {
		return c.cfg.Description
	}
	return Scheme + c.key.Public.String()
}

// Key is the catalog's public key.
func (c *Catalog) Key() drive.Key { return c.key.Public }

// DiscoveryKey is the topic under which the catalog is announced.
func (c *Catalog) DiscoveryKey() drive.Key {
	h := sha256.New()
	h.Write([]byte(discoveryContext))
	h.Write(c.key.Public[:])
	var k drive.Key
	copy(k[:], h.Sum(nil))
	return k
}

// Dir is the worktree root on disk.
func (c *Catalog) Dir() string { return c.dir }

// Revision returns the current HEAD commit hash.
func (c *Catalog) Revision() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revision()
}

func (c *Catalog) revision() (string, error) {
	ref, err := c.repo.Head()
	if err != nil {
		return "", fmt.Errorf("read catalog head: %w", err)
	}
	return ref.Hash().String(), nil
}

// ArtifactPath is the catalog path of identity's artifact.
func ArtifactPath(identity drive.Key) string {
	return path.Join(identity.String(), ArtifactFile)
}

// PointerPath is the catalog path of identity's pointer.
func PointerPath(identity drive.Key) string {
	return path.Join(PointerDir, identity.String())
}

// Publish stores the artifact read from r under identity, replacing any
// previous one, and commits it together with the identity's pointer.
func (c *Catalog) Publish(ctx context.Context, identity drive.Key, r io.Reader) (Record, error) {
	if identity.IsZero() {
		return Record{}, fmt.Errorf("publish: empty identity")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	rec := Record{Identity: identity, Path: ArtifactPath(identity), Pointer: PointerPath(identity)}

	head, err := c.repo.Head()
	if err != nil {
		return Record{}, fmt.Errorf("read catalog head: %w", err)
	}

	rev, err := c.write(identity, r, rec)
	if err != nil {
		if rbErr := c.rollback(head.Hash(), rec.Path, rec.Pointer); rbErr != nil {
			slog.Error("Catalog rollback failed",
				logfields.Identity(identity.String()),
				logfields.Revision(head.Hash().String()),
				logfields.Error(rbErr))
		}
		return Record{}, err
	}
	rec.Revision = rev
	return rec, nil
}

// rollback resets the index to rev and restores paths to their content at rev,
// removing the ones rev does not track.
func (c *Catalog) rollback(rev plumbing.Hash, paths ...string) error {
	if err := c.wt.Reset(&git.ResetOptions{Commit: rev, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("reset to %s: %w", rev, err)
	}
	commit, err := c.repo.CommitObject(rev)
	if err != nil {
		return err
	}
	tree, err := commit.Tree()
	if err != nil {
		return err
	}
	for _, p := range paths {
		f, err := tree.File(p)
		if errors.Is(err, object.ErrFileNotFound) {
			if rmErr := c.fs.Remove(p); rmErr != nil && !os.IsNotExist(rmErr) {
				return rmErr
			}
			continue
		}
		if err != nil {
			return err
		}
		content, err := f.Contents()
		if err != nil {
			return err
		}
		if err := util.WriteFile(c.fs, p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) write(identity drive.Key, r io.Reader, rec Record) (string, error) {
	if err := c.fs.MkdirAll(identity.String(), 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", identity, err)
	}
	f, err := c.fs.Create(rec.Path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", rec.Path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write %s: %w", rec.Path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", rec.Path, err)
	}

	if err := c.fs.MkdirAll(PointerDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", PointerDir, err)
	}
	if err := util.WriteFile(c.fs, rec.Pointer, []byte(identity.String()), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", rec.Pointer, err)
	}

	return c.commit(publishMessage(identity), rec.Path, rec.Pointer)
}

func publishMessage(identity drive.Key) string { return "Publish " + identity.String() }

// Retract undoes the publication described by rec with a new commit that
// restores the identity's artifact and pointer to their state before
// rec.Revision. It reports false without changing anything when a later
// publication of the same identity superseded rec.
func (c *Catalog) Retract(ctx context.Context, rec Record) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	target := plumbing.NewHash(rec.Revision)
	superseded, err := c.supersededSince(target, rec.Identity)
	if err != nil {
		return false, err
	}
	if superseded {
		return false, nil
	}

	published, err := c.repo.CommitObject(target)
	if err != nil {
		return false, fmt.Errorf("read revision %s: %w", rec.Revision, err)
	}
	var before *object.Tree
	if published.NumParents() > 0 {
		parent, err := published.Parent(0)
		if err != nil {
			return false, fmt.Errorf("read parent of %s: %w", rec.Revision, err)
		}
		if before, err = parent.Tree(); err != nil {
			return false, err
		}
	}

	head, err := c.repo.Head()
	if err != nil {
		return false, fmt.Errorf("read catalog head: %w", err)
	}
	if err := c.restore(before, rec.Path, rec.Pointer); err != nil {
		c.resetTo(head.Hash(), rec)
		return false, err
	}
	hash, err := c.wt.Commit("Retract "+rec.Identity.String(), &git.CommitOptions{
		Author: &object.Signature{Name: authorName, Email: authorEmail, When: time.Now()},
	})
	if err != nil {
		c.resetTo(head.Hash(), rec)
		return false, fmt.Errorf("commit catalog: %w", err)
	}
	slog.Info("Catalog publication retracted",
		logfields.Identity(rec.Identity.String()),
		logfields.Revision(hash.String()))
	return true, nil
}

func (c *Catalog) resetTo(rev plumbing.Hash, rec Record) {
	if err := c.rollback(rev, rec.Path, rec.Pointer); err != nil {
		slog.Error("Catalog rollback failed",
			logfields.Identity(rec.Identity.String()),
			logfields.Revision(rev.String()),
			logfields.Error(err))
	}
}

// supersededSince walks back from HEAD to rev and reports whether a newer
// commit published identity again.
func (c *Catalog) supersededSince(rev plumbing.Hash, identity drive.Key) (bool, error) {
	iter, err := c.repo.Log(&git.LogOptions{})
	if err != nil {
		return false, fmt.Errorf("read catalog log: %w", err)
	}
	defer iter.Close()

	msg := publishMessage(identity)
	superseded, found := false, false
	err = iter.ForEach(func(commit *object.Commit) error {
		if commit.Hash == rev {
			found = true
			return storer.ErrStop
		}
		if strings.TrimSpace(commit.Message) == msg {
			superseded = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("revision %s is not in the catalog history", rev)
	}
	return superseded, nil
}

// restore stages paths with their content in tree, removing the ones tree
// does not track. A nil tree removes every path.
func (c *Catalog) restore(tree *object.Tree, paths ...string) error {
	for _, p := range paths {
		var f *object.File
		err := object.ErrFileNotFound
		if tree != nil {
			f, err = tree.File(p)
		}
		if errors.Is(err, object.ErrFileNotFound) {
			if _, err := c.wt.Remove(p); err != nil {
				return fmt.Errorf("remove %s: %w", p, err)
			}
			continue
		}
		if err != nil {
			return err
		}
		content, err := f.Contents()
		if err != nil {
			return err
		}
		if err := util.WriteFile(c.fs, p, []byte(content), 0o644); err != nil {
			return err
		}
		if _, err := c.wt.Add(p); err != nil {
			return fmt.Errorf("stage %s: %w", p, err)
		}
	}
	return nil
}

func (c *Catalog) commit(msg string, paths ...string) (string, error) {
	for _, p := range paths {
		if _, err := c.wt.Add(p); err != nil {
			return "", fmt.Errorf("stage %s: %w", p, err)
		}
	}
	hash, err := c.wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: authorName, Email: authorEmail, When: time.Now()},
		// republishing identical bytes still records a revision
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", fmt.Errorf("commit catalog: %w", err)
	}
	return hash.String(), nil
}

// Lookup returns the record of identity's latest publication.
func (c *Catalog) Lookup(identity drive.Key) (Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec := Record{Identity: identity, Path: ArtifactPath(identity), Pointer: PointerPath(identity)}
	data, err := util.ReadFile(c.fs, rec.Pointer)
	if os.IsNotExist(err) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("read %s: %w", rec.Pointer, err)
	}
	if strings.TrimSpace(string(data)) != identity.String() {
		return Record{}, fmt.Errorf("pointer %s is corrupt", rec.Pointer)
	}
	rev, err := c.revision()
	if err != nil {
		return Record{}, err
	}
	rec.Revision = rev
	return rec, nil
}

// ReadArtifact returns the published document of identity.
func (c *Catalog) ReadArtifact(identity drive.Key) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := util.ReadFile(c.fs, ArtifactPath(identity))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

// List returns all published identities in lexicographic order.
func (c *Catalog) List() ([]drive.Key, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	infos, err := c.fs.ReadDir(PointerDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", PointerDir, err)
	}
	keys := make([]drive.Key, 0, len(infos))
	for _, info := range infos {
		k, err := drive.ParseKey(info.Name())
		if err != nil || info.IsDir() {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// History returns the commit hashes that touched identity's artifact, newest first.
func (c *Catalog) History(identity drive.Key) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	target := ArtifactPath(identity)
	iter, err := c.repo.Log(&git.LogOptions{PathFilter: func(p string) bool { return p == target }})
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read catalog log: %w", err)
	}
	defer iter.Close()
	var revs []string
	err = iter.ForEach(func(commit *object.Commit) error {
		revs = append(revs, commit.Hash.String())
		return nil
	})
	return revs, err
}
