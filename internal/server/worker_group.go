package server

import (
	"context"
	"errors"
	"sync"
)

// ErrShuttingDown is the reset reason for connections arriving during shutdown.
var ErrShuttingDown = errors.New("server shutting down")

// WorkerGroup supervises job goroutines. Once stopping, it refuses new jobs so
// the WaitGroup never grows while Stop waits on it.
type WorkerGroup struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	running  int
	stopping bool
}

// Go runs job in its own goroutine, or returns ErrShuttingDown.
func (g *WorkerGroup) Go(job func()) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopping {
		return ErrShuttingDown
	}

	g.running++
	g.wg.Add(1)
	go func() {
		defer g.done()
		job()
	}()
	return nil
}

func (g *WorkerGroup) done() {
	g.mu.Lock()
	g.running--
	g.mu.Unlock()
	g.wg.Done()
}

// Len is the number of jobs still running.
func (g *WorkerGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// StopAndWait refuses further jobs and waits for the running ones until ctx
// expires. It may be called again after a timeout to keep waiting.
func (g *WorkerGroup) StopAndWait(ctx context.Context) error {
	g.mu.Lock()
	g.stopping = true
	g.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
