// Package publisher delivers a finished artifact to the two publication
// sinks: the reply archive for the requesting peer and the durable catalog.
//
// The reply archive is written first. If that fails nothing is published. If
// the catalog write then fails the reply archive already holds the artifact
// but is never sent, and the error is marked partial. If sending the reply
// fails the catalog commit is retracted, and the error is marked partial only
// when the retraction itself fails.
package publisher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"git.home.luguber.info/inful/sketchrender/internal/catalog"
	"git.home.luguber.info/inful/sketchrender/internal/discovery"
	"git.home.luguber.info/inful/sketchrender/internal/drive"
	rerrors "git.home.luguber.info/inful/sketchrender/internal/errors"
	"git.home.luguber.info/inful/sketchrender/internal/logfields"
	"git.home.luguber.info/inful/sketchrender/internal/metrics"
	"git.home.luguber.info/inful/sketchrender/internal/toolchain"
)

// Sink names used in errors, logs and metrics.
const (
	SinkReply   = "reply"
	SinkCatalog = "catalog"
)

// ReplyFile is the name of the artifact inside the reply archive.
const ReplyFile = "index.html"

const (
	retractTimeout = 30 * time.Second
	rejoinTimeout  = 30 * time.Second
)

// Reply is the requester side of a job: it owns the reply key pair and
// replicates the finished archive back.
type Reply interface {
	KeyPair() drive.KeyPair
	Send(ctx context.Context, archive *drive.Archive) error
}

// Catalog is the durable sink.
type Catalog interface {
	Publish(ctx context.Context, identity drive.Key, r io.Reader) (catalog.Record, error)
	Retract(ctx context.Context, rec catalog.Record) (bool, error)
	DiscoveryKey() drive.Key
}

// Record describes a completed publication.
type Record struct {
	Identity     string    `json:"identity"`
	ArtifactPath string    `json:"artifact_path"`
	PointerPath  string    `json:"pointer_path"`
	ReplyKey     string    `json:"reply_key"`
	Revision     string    `json:"revision"`
	Title        string    `json:"title,omitempty"`
	SHA256       string    `json:"sha256"`
	PublishedAt  time.Time `json:"published_at"`
}

// Publisher writes artifacts to both sinks.
type Publisher struct {
	catalog  Catalog
	swarm    discovery.Swarm
	recorder metrics.Recorder

	rejoins sync.WaitGroup
}

// New creates a Publisher. A nil swarm disables re-announcement.
func New(c Catalog, swarm discovery.Swarm) *Publisher {
	if swarm == nil {
		swarm = discovery.NoopSwarm{}
	}
	return &Publisher{catalog: c, swarm: swarm, recorder: metrics.NoopRecorder{}}
}

// WithRecorder injects a metrics recorder.
func (p *Publisher) WithRecorder(r metrics.Recorder) *Publisher {
	if r != nil {
		p.recorder = r
	}
	return p
}

// Publish writes art to the reply archive and the catalog, then replicates
// the reply. The catalog is re-announced in the background; Wait blocks until
// pending announcements finish.
func (p *Publisher) Publish(ctx context.Context, art toolchain.Artifact, identity drive.Key, reply Reply) (Record, error) {
	kp := reply.KeyPair()
	archive := drive.NewArchive(kp.Public)

	if err := p.writeReply(archive, art.Path); err != nil {
		p.recorder.IncPublication(SinkReply, false)
		return Record{}, rerrors.Publication(SinkReply, false, err)
	}
	p.recorder.IncPublication(SinkReply, true)

	rec, err := p.writeCatalog(ctx, identity, art.Path)
	if err != nil {
		p.recorder.IncPublication(SinkCatalog, false)
		return Record{}, rerrors.Publication(SinkCatalog, true, err)
	}
	p.recorder.IncPublication(SinkCatalog, true)

	if err := reply.Send(ctx, archive); err != nil {
		p.recorder.IncPublication(SinkReply, false)
		withdrawn := p.retract(ctx, rec)
		return Record{}, rerrors.Publication(SinkReply, !withdrawn, err)
	}

	p.rejoin(ctx, identity)

	return Record{
		Identity:     identity.String(),
		ArtifactPath: rec.Path,
		PointerPath:  rec.Pointer,
		ReplyKey:     kp.Public.String(),
		Revision:     rec.Revision,
		Title:        art.Title,
		SHA256:       art.SHA256,
		PublishedAt:  time.Now().UTC(),
	}, nil
}

// Wait blocks until every background re-announcement has returned or ctx is done.
func (p *Publisher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.rejoins.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retract withdraws an undelivered catalog publication. It reports whether
// the catalog no longer holds it.
func (p *Publisher) retract(ctx context.Context, rec catalog.Record) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), retractTimeout)
	defer cancel()

	retracted, err := p.catalog.Retract(ctx, rec)
	if err != nil {
		slog.Error("Catalog retract failed",
			logfields.Identity(rec.Identity.String()),
			logfields.Revision(rec.Revision),
			logfields.Error(err))
		return false
	}
	if !retracted {
		slog.Info("Catalog publication already superseded",
			logfields.Identity(rec.Identity.String()),
			logfields.Revision(rec.Revision))
	}
	return true
}

func (p *Publisher) rejoin(ctx context.Context, identity drive.Key) {
	key := p.catalog.DiscoveryKey()
	ctx = context.WithoutCancel(ctx)
	p.rejoins.Add(1)
	go func() {
		defer p.rejoins.Done()
		ctx, cancel := context.WithTimeout(ctx, rejoinTimeout)
		defer cancel()
		if err := p.swarm.Rejoin(ctx, key); err != nil {
			slog.Warn("Catalog re-announce failed",
				logfields.Identity(identity.String()),
				logfields.Error(rerrors.DiscoveryError(err)))
		}
	}()
}

func (p *Publisher) writeReply(archive *drive.Archive, artifactPath string) error {
	src, err := os.Open(artifactPath) // #nosec G304 - artifact inside the job workspace
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := archive.Create(ReplyFile)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copy artifact: %w", err)
	}
	return dst.Close()
}

func (p *Publisher) writeCatalog(ctx context.Context, identity drive.Key, artifactPath string) (catalog.Record, error) {
	src, err := os.Open(artifactPath) // #nosec G304 - artifact inside the job workspace
	if err != nil {
		return catalog.Record{}, fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = src.Close() }()
	return p.catalog.Publish(ctx, identity, src)
}
