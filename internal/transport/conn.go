package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"git.home.luguber.info/inful/sketchrender/internal/drive"
	"git.home.luguber.info/inful/sketchrender/internal/logfields"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 64 << 20
)

// Conn is the server side of one replication channel. It feeds the peer's
// entries into a bundle and delivers the reply archive back.
type Conn struct {
	ws       *websocket.Conn
	identity drive.Key
	reply    drive.KeyPair
	bundle   *drive.MemBundle

	writeMu sync.Mutex

	mu      sync.Mutex
	closing bool
	err     error
	done    chan struct{}
}

// Accept wraps an upgraded websocket, sends the handshake and starts reading
// the peer's entries. Every entry must be signed by identity.
func Accept(ws *websocket.Conn, identity drive.Key) (*Conn, error) {
	reply, err := drive.GenerateKeyPair()
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	c := &Conn{
		ws:       ws,
		identity: identity,
		reply:    reply,
		bundle:   drive.NewMemBundle(),
		done:     make(chan struct{}),
	}
	ws.SetReadLimit(maxFrameSize)
	if err := c.write(frame{Type: frameHandshake, ReplyKey: reply.Public.String()}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	go c.readLoop()
	return c, nil
}

// Identity is the requester's public key.
func (c *Conn) Identity() drive.Key { return c.identity }

// Bundle is the replicated source tree sent by the peer.
func (c *Conn) Bundle() drive.Bundle { return c.bundle }

// KeyPair is the reply key pair that signs the response archive.
func (c *Conn) KeyPair() drive.KeyPair { return c.reply }

// RemoteAddr is the peer's network address.
func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Done is closed once the channel is gone, for whatever reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the channel closed: the peer went away or broke the
// protocol. It is nil while the channel is open and after a local Send or
// Destroy.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) readLoop() {
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.finish(fmt.Errorf("peer closed channel: %w", err))
			return
		}
		if err := f.validate(); err != nil {
			slog.Warn("Dropping peer channel", logfields.Identity(c.identity.String()), logfields.Error(err))
			c.abort(err)
			return
		}
		switch f.Type {
		case frameEntry:
			if !drive.Verify(c.identity, f.Path, f.Data, f.Sig) {
				err := fmt.Errorf("%w: %s", ErrBadSignature, f.Path)
				slog.Warn("Rejected unsigned bundle entry",
					logfields.Identity(c.identity.String()),
					logfields.Path(f.Path))
				c.abort(err)
				return
			}
			if err := c.bundle.Stage(f.Path, f.Data); err != nil {
				slog.Warn("Rejected bundle entry",
					logfields.Identity(c.identity.String()),
					logfields.Path(f.Path),
					logfields.Error(err))
				c.abort(err)
				return
			}
		case frameCommit:
			if _, err := c.bundle.Commit(); err != nil {
				c.abort(err)
				return
			}
		default:
			c.abort(fmt.Errorf("%w: unexpected %s frame from peer", ErrProtocol, f.Type))
			return
		}
	}
}

// Send replicates the archive to the peer and closes the channel normally.
func (c *Conn) Send(ctx context.Context, archive *drive.Archive) error {
	if err := c.markClosing(); err != nil {
		return err
	}
	err := archive.Walk(func(p string, data []byte) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.write(frame{Type: frameEntry, Path: p, Data: data, Sig: c.reply.Sign(p, data)})
	})
	if err == nil {
		err = c.write(frame{Type: frameCommit})
	}
	if err != nil {
		c.closeWith(websocket.CloseInternalServerErr, err.Error())
		c.finish(nil)
		return fmt.Errorf("deliver reply: %w", err)
	}
	c.closeWith(websocket.CloseNormalClosure, "")
	c.finish(nil)
	return nil
}

// Destroy resets the channel with cause. The peer receives no content.
func (c *Conn) Destroy(cause error) {
	if c.markClosing() != nil {
		return
	}
	reason := "render failed"
	if cause != nil {
		reason = cause.Error()
	}
	c.closeWith(websocket.CloseInternalServerErr, reason)
	c.finish(nil)
}

// abort records a peer-caused failure and resets the channel.
func (c *Conn) abort(err error) {
	c.mu.Lock()
	if !c.closing {
		c.err = err
	}
	c.mu.Unlock()
	c.Destroy(err)
}

func (c *Conn) markClosing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return fmt.Errorf("channel already closed")
	}
	select {
	case <-c.done:
		return c.err
	default:
	}
	c.closing = true
	return nil
}

func (c *Conn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, truncateReason(reason))
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}

// finish closes Done once. A peer-side close after a local close is not an error.
func (c *Conn) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	if !c.closing {
		c.err = err
		c.closing = true
		_ = c.ws.Close()
	}
	close(c.done)
}

func (c *Conn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}
