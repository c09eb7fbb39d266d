package gateway

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	10 * time.Second,
}

const maxRestarts = 5

// Supervised runs a Gateway in a crash-restart loop, always rebinding the
// same port (the hypervisor's guestfwd rule points at that port for the
// VM's whole lifetime). Stop() sets the intentional-stop flag before
// closing the listener so a clean shutdown is never mistaken for a crash.
type Supervised struct {
	gw   *Gateway
	port int
	log  *logrus.Entry

	intentionalStop atomic.Bool
	alive           atomic.Bool

	listener   net.Listener
	listenerMu chan net.Listener // single-slot mailbox for the current listener
}

// NewSupervised binds port once up front (so callers can read back the
// chosen port immediately) and returns a Supervised ready to Run.
func NewSupervised(gw *Gateway, port int) (*Supervised, error) {
	ln, err := listen(port)
	if err != nil {
		return nil, err
	}
	s := &Supervised{
		gw:         gw,
		port:       port,
		log:        gw.log,
		listener:   ln,
		listenerMu: make(chan net.Listener, 1),
	}
	s.listenerMu <- ln
	s.alive.Store(true)
	return s, nil
}

func listen(port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("[proxy] bind :%d: %w", port, err)
	}
	return ln, nil
}

// Port returns the bound port (stable across restarts).
func (s *Supervised) Port() int {
	return s.port
}

// Alive reports whether the accept loop is currently running (used by the
// supervisor's heartbeat).
func (s *Supervised) Alive() bool {
	return s.alive.Load()
}

// Run blocks, serving connections and restarting on crash with exponential
// backoff, until ctx is cancelled or the restart budget is exhausted.
func (s *Supervised) Run(ctx context.Context) {
	attempt := 0
	for {
		ln := <-s.listenerMu
		s.listenerMu <- ln
		s.alive.Store(true)

		err := s.gw.Serve(ctx, ln)
		s.alive.Store(false)

		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.intentionalStop.Load() {
			return
		}

		if err == nil {
			// Serve only returns nil on intentional stop or context
			// cancellation, both handled above; treat any other nil as
			// a clean exit worth not restarting.
			return
		}

		attempt++
		if attempt > maxRestarts {
			s.log.Errorf("[proxy] FATAL: gateway crashed %d times, giving up on port :%d", attempt, s.port)
			return
		}

		delay := backoffSchedule[len(backoffSchedule)-1]
		if attempt-1 < len(backoffSchedule) {
			delay = backoffSchedule[attempt-1]
		}
		s.log.Warnf("[proxy] gateway crashed (%v), restarting on :%d in %v (attempt %d/%d)", err, s.port, delay, attempt, maxRestarts)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		newLn, rebindErr := listen(s.port)
		if rebindErr != nil {
			s.log.Errorf("[proxy] FATAL: rebind :%d failed: %v", s.port, rebindErr)
			return
		}
		<-s.listenerMu
		s.listenerMu <- newLn
	}
}

// Stop marks the shutdown as intentional and closes the listener, causing
// Run to return without restarting.
func (s *Supervised) Stop() {
	s.intentionalStop.Store(true)
	ln := <-s.listenerMu
	ln.Close()
	s.listenerMu <- ln
}
