// Package enrich implements the guest connection enricher (C3): SSH into
// the guest and run a well-known helper to map a destination (ip,port) back
// to the DNS name and process that originated the connection, with a
// per-VM DNS cache and a bounded recent-connections FIFO.
package enrich

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rthewhite/xray/internal/descriptor"
	"github.com/rthewhite/xray/internal/sshexec"
)

const (
	helperPath     = "/usr/local/bin/xray-enrich"
	enrichTimeout  = 5 * time.Second
	recordCapacity = 20
	recentDefault  = 5
)

// Result is the best-effort outcome of an enrich call.
type Result struct {
	Domain      string
	ProcessName string
	ProcessPID  int
}

// Record is a bounded-FIFO entry surfaced to the interactive prompt.
type Record struct {
	Timestamp   time.Time
	IP          string
	Port        int
	Domain      string
	ProcessName string
	Decision    descriptor.Decision
}

// ringBuffer is a fixed-capacity FIFO of the newest records, indexed with
// head/count wraparound.
type ringBuffer struct {
	mu    sync.Mutex
	items [recordCapacity]Record
	head  int
	count int
}

func (r *ringBuffer) append(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[r.head] = rec
	r.head = (r.head + 1) % recordCapacity
	if r.count < recordCapacity {
		r.count++
	}
}

// recent returns up to n of the newest records, newest first.
func (r *ringBuffer) recent(n int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.count {
		n = r.count
	}
	out := make([]Record, 0, n)
	idx := (r.head - 1 + recordCapacity) % recordCapacity
	for i := 0; i < n; i++ {
		out = append(out, r.items[idx])
		idx = (idx - 1 + recordCapacity) % recordCapacity
	}
	return out
}

// vmState holds the per-VM DNS cache and recent-connections FIFO.
type vmState struct {
	mu       sync.Mutex
	dnsCache map[string]string // ip -> domain
	records  ringBuffer
}

// Enricher owns per-VM enrichment state, keyed by VM name.
type Enricher struct {
	home string

	mu    sync.Mutex
	state map[string]*vmState
}

// New returns an Enricher rooted at the xray home directory, used to read
// each VM's SSH port/user from its descriptor.
func New(home string) *Enricher {
	return &Enricher{home: home, state: make(map[string]*vmState)}
}

func (e *Enricher) stateFor(vm string) *vmState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.state[vm]
	if !ok {
		s = &vmState{dnsCache: make(map[string]string)}
		e.state[vm] = s
	}
	return s
}

// Enrich is best-effort and has no error return, mirroring the "never
// raise" contract: every failure path returns a zero Result, or a Result
// carrying only the cached domain when one is known for ip.
func (e *Enricher) Enrich(ctx context.Context, vm, ip string, port int) Result {
	st := e.stateFor(vm)

	// The domain for an IP is stable and worth caching, but process
	// identity is per-connection: the helper is always re-invoked below,
	// even on a cache hit, so ProcessName/ProcessPID stay fresh.
	st.mu.Lock()
	cachedDomain, hasCachedDomain := st.dnsCache[ip]
	st.mu.Unlock()

	d, err := descriptor.Load(e.home, vm)
	if err != nil {
		if hasCachedDomain {
			return Result{Domain: cachedDomain}
		}
		return Result{}
	}

	ctx, cancel := context.WithTimeout(ctx, enrichTimeout)
	defer cancel()

	target := sshexec.Target{Host: "127.0.0.1", Port: d.SSHPort, User: d.SSHUser}
	cmd := fmt.Sprintf("%s %s %d", helperPath, ip, port)
	// A non-zero exit is not itself fatal: the helper may still have
	// written usable key=value output before failing. Only empty stdout
	// aborts enrichment.
	out, _ := sshexec.RunCommand(ctx, target, cmd)
	if strings.TrimSpace(out) == "" {
		if hasCachedDomain {
			return Result{Domain: cachedDomain}
		}
		return Result{}
	}

	result := parseHelperOutput(out)
	if result.Domain != "" {
		st.mu.Lock()
		st.dnsCache[ip] = result.Domain
		st.mu.Unlock()
	} else if hasCachedDomain {
		result.Domain = cachedDomain
	}
	return result
}

func parseHelperOutput(out string) Result {
	var res Result
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		switch k {
		case "domain":
			res.Domain = v
		case "process_name":
			res.ProcessName = v
		case "process_pid":
			if pid, err := strconv.Atoi(v); err == nil {
				res.ProcessPID = pid
			}
		}
	}
	return res
}

// RecordConnection appends a decision outcome to the VM's bounded FIFO.
func (e *Enricher) RecordConnection(vm, ip string, port int, domain, processName string, decision descriptor.Decision) {
	st := e.stateFor(vm)
	st.records.append(Record{
		Timestamp:   time.Now(),
		IP:          ip,
		Port:        port,
		Domain:      domain,
		ProcessName: processName,
		Decision:    decision,
	})
}

// RecentConnections returns up to `recentDefault` newest records for vm.
func (e *Enricher) RecentConnections(vm string) []Record {
	st := e.stateFor(vm)
	return st.records.recent(recentDefault)
}

// ClearVMState drops the DNS cache and recent-connections FIFO for vm,
// called unconditionally on VM teardown.
func (e *Enricher) ClearVMState(vm string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.state, vm)
}
