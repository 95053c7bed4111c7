// Package lifecycle implements C7, the startup/shutdown sequencing
// described in spec.md §4.5: synchronous first heartbeat before the
// listener accepts traffic, then a quiescence wait on graceful shutdown.
package lifecycle

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mdah-community/node/internal/clock"
	"github.com/mdah-community/node/internal/controlplane"
	"github.com/mdah-community/node/internal/node"
)

// QuiescenceThreshold is the idle duration spec.md §4.5 step 3 waits for
// before exiting.
const QuiescenceThreshold = 5 * time.Second

// QuiescencePoll is the sleep increment between idleness checks.
const QuiescencePoll = 1 * time.Second

// Supervisor sequences startup and shutdown around an *http.Server and a
// *controlplane.Client, reusing node.State's LastRequestAt/Clock for the
// quiescence wait.
type Supervisor struct {
	Server   *http.Server
	Control  *controlplane.Client
	Node     *node.State
	Clock    clock.Clock
	CertPath string
	KeyPath  string
}

// Run performs the synchronous first heartbeat, starts the background
// heartbeat loop, then blocks serving TLS traffic until the listener
// stops (on Shutdown or a fatal server error).
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Control.Run(ctx); err != nil {
		return err
	}

	slog.Info("listener starting", "addr", s.Server.Addr)
	err := s.Server.ListenAndServeTLS(s.CertPath, s.KeyPath)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown implements spec.md §4.5's graceful shutdown: stop broadcast,
// best-effort /stop notification, quiescence wait, then closes the
// listener. No draining of in-flight requests beyond the idleness check
// — the control plane is responsible for steering new traffic away once
// /stop is acknowledged.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.Node.Stop()

	if err := s.Control.Stop(ctx); err != nil {
		slog.Error("stop notification failed", "error", err)
	}

	s.waitForQuiescence()

	return s.Server.Shutdown(ctx)
}

func (s *Supervisor) waitForQuiescence() {
	for {
		age := s.Clock.Now().Sub(s.Node.LastRequestAt())
		slog.Info("waiting for quiescence", "idle", age)
		if age >= QuiescenceThreshold {
			return
		}
		s.Clock.Sleep(QuiescencePoll)
	}
}
