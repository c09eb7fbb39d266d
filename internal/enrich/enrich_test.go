package enrich

import (
	"context"
	"testing"

	"github.com/rthewhite/xray/internal/descriptor"
)

func TestParseHelperOutputRecognizesKeys(t *testing.T) {
	out := "domain=example.test\nprocess_name=curl\nprocess_pid=4242\nunknown=ignored\n"
	res := parseHelperOutput(out)
	if res.Domain != "example.test" || res.ProcessName != "curl" || res.ProcessPID != 4242 {
		t.Fatalf("parseHelperOutput = %+v", res)
	}
}

func TestParseHelperOutputIgnoresMalformedLines(t *testing.T) {
	res := parseHelperOutput("not-a-kv-line\ndomain=ok.test\n")
	if res.Domain != "ok.test" {
		t.Fatalf("parseHelperOutput = %+v", res)
	}
}

func TestEnrichMissingDescriptorReturnsEmptyResult(t *testing.T) {
	e := New(t.TempDir())
	res := e.Enrich(context.Background(), "nope", "1.2.3.4", 443)
	if res != (Result{}) {
		t.Fatalf("expected empty result for missing VM, got %+v", res)
	}
}

func TestRecentConnectionsBoundedAndNewestFirst(t *testing.T) {
	e := New(t.TempDir())
	for i := 0; i < recordCapacity+5; i++ {
		e.RecordConnection("v1", "1.2.3.4", 1000+i, "example.test", "curl", descriptor.Allow)
	}
	recent := e.RecentConnections("v1")
	if len(recent) != recentDefault {
		t.Fatalf("len(recent) = %d, want %d", len(recent), recentDefault)
	}
	if newest := 1000 + recordCapacity + 4; recent[0].Port != newest {
		t.Fatalf("recent[0].Port = %d, want newest record %d", recent[0].Port, newest)
	}
}

func TestClearVMStateDropsCache(t *testing.T) {
	e := New(t.TempDir())
	e.RecordConnection("v1", "1.2.3.4", 443, "example.test", "curl", descriptor.Allow)
	e.ClearVMState("v1")
	if len(e.RecentConnections("v1")) != 0 {
		t.Fatal("expected empty records after ClearVMState")
	}
}

func saveTestDescriptor(t *testing.T, home, vm, host string, port int) {
	t.Helper()
	d := &descriptor.Descriptor{
		Base:     "ubuntu-24.04",
		SSHPort:  port,
		SSHUser:  "xray",
		Firewall: make(map[string]string),
	}
	if host != "127.0.0.1" {
		t.Fatalf("scripted SSH server must bind 127.0.0.1, got %s", host)
	}
	if err := descriptor.Save(home, vm, d); err != nil {
		t.Fatalf("save descriptor: %v", err)
	}
}

// A cache hit on the domain must still re-run the guest helper: process
// identity is per-connection and must never be served stale from cache.
func TestEnrichCacheHitStillRefreshesProcessInfo(t *testing.T) {
	host, port := startScriptedSSHServer(t, []scriptedReply{
		{stdout: "domain=example.test\nprocess_name=curl\nprocess_pid=100\n"},
		{stdout: "domain=example.test\nprocess_name=curl\nprocess_pid=200\n"},
	})

	home := t.TempDir()
	saveTestDescriptor(t, home, "v1", host, port)
	e := New(home)

	first := e.Enrich(context.Background(), "v1", "9.9.9.9", 443)
	if first.Domain != "example.test" || first.ProcessPID != 100 {
		t.Fatalf("first Enrich = %+v", first)
	}

	second := e.Enrich(context.Background(), "v1", "9.9.9.9", 443)
	if second.Domain != "example.test" {
		t.Fatalf("second Enrich domain = %+v, want cached example.test", second)
	}
	if second.ProcessPID != 200 {
		t.Fatalf("second Enrich ProcessPID = %d, want 200 (helper must be re-run on cache hit)", second.ProcessPID)
	}
}

// A non-zero remote exit status with non-empty stdout must still be parsed;
// only empty stdout aborts enrichment.
func TestEnrichNonZeroExitWithStdoutStillParsed(t *testing.T) {
	host, port := startScriptedSSHServer(t, []scriptedReply{
		{stdout: "domain=partial.test\nprocess_name=curl\nprocess_pid=321\n", exitStatus: 1},
	})

	home := t.TempDir()
	saveTestDescriptor(t, home, "v1", host, port)
	e := New(home)

	res := e.Enrich(context.Background(), "v1", "1.2.3.4", 443)
	if res.Domain != "partial.test" || res.ProcessName != "curl" || res.ProcessPID != 321 {
		t.Fatalf("Enrich with non-zero exit and stdout = %+v, want parsed fields", res)
	}
}
