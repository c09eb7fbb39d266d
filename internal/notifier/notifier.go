// Package notifier defines the interactive policy-prompt contract (the
// spec's opaque `ask()` capability) and a default terminal-based
// implementation. Host OS notification backends are explicitly out of
// scope; this interface exists so the decision engine has something
// concrete to call.
package notifier

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/rthewhite/xray/internal/enrich"
)

// AskRequest carries everything the prompt needs to show the user context
// for an unresolved destination.
type AskRequest struct {
	VM          string
	IP          string
	Port        int
	Domain      string
	ProcessName string
	ProcessPID  int
	Recent      []enrich.Record
}

// Decision is the user's answer: allow or deny.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// Notifier asks the user whether a destination should be allowed. It must
// default to Deny on error, timeout, or cancellation — never silently
// allow.
type Notifier interface {
	Ask(ctx context.Context, req AskRequest) (Decision, error)
}

// Terminal is the default Notifier: a raw-mode stdin/stdout prompt.
type Terminal struct{}

// NewTerminal returns the default terminal-based notifier.
func NewTerminal() *Terminal { return &Terminal{} }

// Ask renders req and reads a single y/n keystroke, restoring terminal state
// on every exit path.
func (t *Terminal) Ask(ctx context.Context, req AskRequest) (Decision, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return Deny, fmt.Errorf("notifier: stdin is not a terminal")
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return Deny, fmt.Errorf("notifier: enter raw mode: %w", err)
	}
	// The reader goroutine below can outlive this call (it keeps blocking
	// on os.Stdin.Read after a context timeout), so restore must be
	// callable from whichever exit path fires first, exactly once.
	var restoreOnce sync.Once
	restore := func() { restoreOnce.Do(func() { term.Restore(fd, oldState) }) }
	defer restore()

	printPrompt(req)

	type result struct {
		d   Decision
		err error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil || n == 0 {
				ch <- result{Deny, fmt.Errorf("notifier: read decision: %w", err)}
				return
			}
			switch buf[0] {
			case 'y', 'Y':
				ch <- result{Allow, nil}
				return
			case 'n', 'N':
				ch <- result{Deny, nil}
				return
			}
		}
	}()

	select {
	case r := <-ch:
		restore()
		return r.d, r.err
	case <-ctx.Done():
		restore()
		return Deny, fmt.Errorf("notifier: %w", ctx.Err())
	}
}

func printPrompt(req AskRequest) {
	fmt.Printf("\n[notifier] %s wants to reach %s:%d", req.VM, req.IP, req.Port)
	if req.Domain != "" {
		fmt.Printf(" (%s)", req.Domain)
	}
	if req.ProcessName != "" {
		fmt.Printf(" via %s", req.ProcessName)
	}
	fmt.Printf("\n[notifier] allow? [y/n] ")
}

// AutoAllow is a Notifier that always allows. The supervisor's allow_all
// mode does not use it: that mode bypasses the decision engine entirely.
type AutoAllow struct{}

func (AutoAllow) Ask(ctx context.Context, req AskRequest) (Decision, error) {
	return Allow, nil
}

// TimeoutDefaultDeny wraps another Notifier, bounding it to d and returning
// Deny if the wall clock elapses — the 300s prompt timeout from the spec.
type TimeoutDefaultDeny struct {
	Inner Notifier
	D     time.Duration
}

func (t TimeoutDefaultDeny) Ask(ctx context.Context, req AskRequest) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, t.D)
	defer cancel()
	decision, err := t.Inner.Ask(ctx, req)
	if err != nil {
		return Deny, err
	}
	return decision, nil
}
