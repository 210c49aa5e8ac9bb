package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/mieweb/indexedcp/config"
	"golang.org/x/sync/errgroup"
)

// Runner runs the actual HTTP server for a Server instance, together with its
// background session manager. It exists so the CLI can shut the server down
// cleanly on a signal, and so tests can run a server on an ephemeral port.
type Runner struct {
	server     *Server
	httpServer *http.Server
	mu         sync.Mutex
}

// Serve starts a server and listens for incoming HTTP requests until the given
// context is canceled. The server handles the management endpoints (info, verify)
// as well as the actual upload functionality (open, chunk, finalize). It also starts
// a background process to expire idle sessions.
func Serve(ctx context.Context, conf *config.Config) error {
	runner, err := NewRunner(conf)
	if err != nil {
		return err
	}
	return runner.Start(ctx)
}

// NewRunner creates a new runner for a server using the given config.
func NewRunner(conf *config.Config) (*Runner, error) {
	server, err := New(conf)
	if err != nil {
		return nil, err
	}
	return &Runner{server: server}, nil
}

// Start starts the HTTP server and the session manager, and blocks until the
// context is canceled or the listener fails. A canceled context is a normal
// shutdown and returns nil.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	r.httpServer = &http.Server{
		Addr:    r.server.config.ListenHTTP,
		Handler: http.HandlerFunc(r.server.Handle),
	}
	r.server.startManager()
	log.Printf("listening on %s (output dir: %s)", r.server.config.ListenHTTP, r.server.config.OutputDir)
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	g.Go(func() error {
		// The cancel releases the shutdown goroutine when the listener is closed
		// externally via Stop
		defer cancel()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return r.Stop()
	})
	return g.Wait()
}

// Stop immediately shuts down the HTTP server and the session manager. This is
// not a graceful shutdown; in-flight chunk writes are cut off and resumed by the
// client on the next upload.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.server.stopManager()
	if r.httpServer != nil {
		return r.httpServer.Close()
	}
	return nil
}
