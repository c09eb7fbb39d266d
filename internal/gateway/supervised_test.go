package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rthewhite/xray/internal/descriptor"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestSupervisedStopIsNotTreatedAsCrash(t *testing.T) {
	port := freePort(t)
	decide := func(ctx context.Context, vm, ip string, p int) (descriptor.Decision, error) {
		return descriptor.Allow, nil
	}
	gw := New("v1", decide)
	sup, err := NewSupervised(gw, port)
	if err != nil {
		t.Fatalf("NewSupervised: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	sup.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestSupervisedKeepsSamePortAcrossLifetime(t *testing.T) {
	port := freePort(t)
	decide := func(ctx context.Context, vm, ip string, p int) (descriptor.Decision, error) {
		return descriptor.Allow, nil
	}
	gw := New("v1", decide)
	sup, err := NewSupervised(gw, port)
	if err != nil {
		t.Fatalf("NewSupervised: %v", err)
	}
	if sup.Port() != port {
		t.Fatalf("Port() = %d, want %d", sup.Port(), port)
	}
	sup.Stop()
}
