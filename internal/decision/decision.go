// Package decision implements the decision engine (C4): the ordered
// policy-resolution algorithm that combines the persisted policy store,
// the default ruleset, guest enrichment, reverse DNS, and — on a genuine
// miss — the interactive prompt, serialized by a process-global mutex and
// de-duplicated with singleflight.
package decision

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/rthewhite/xray/internal/descriptor"
	"github.com/rthewhite/xray/internal/enrich"
	"github.com/rthewhite/xray/internal/notifier"
	"github.com/rthewhite/xray/internal/ruleset"
)

const (
	ptrTimeout    = 1 * time.Second
	promptTimeout = 300 * time.Second
)

// Engine owns the global decision mutex and wires the policy store,
// ruleset, enricher, and notifier together.
type Engine struct {
	home     string
	rules    *ruleset.Ruleset
	enricher *enrich.Enricher
	notify   notifier.Notifier
	resolver string // DNS server for PTR lookups, "" for system default (/etc/resolv.conf)

	mu    sync.Mutex // the process-global decision mutex
	group singleflight.Group

	log *logrus.Entry
}

// New constructs a decision engine. notify is typically
// notifier.TimeoutDefaultDeny{Inner: notifier.NewTerminal(), D: 300s}. A VM
// started with allow_all does not consult the engine at all: the supervisor
// hands the gateway an always-allow decide function instead.
func New(home string, rules *ruleset.Ruleset, enricher *enrich.Enricher, notify notifier.Notifier) *Engine {
	return &Engine{
		home:     home,
		rules:    rules,
		enricher: enricher,
		notify:   notify,
		log:      logrus.WithField("component", "firewall"),
	}
}

// Decide runs the ordered algorithm in §4.4 and returns the final decision.
func (e *Engine) Decide(ctx context.Context, vm, ip string, port int) (descriptor.Decision, error) {
	// 1. Exact persisted rule.
	if d, ok, err := descriptor.Lookup(e.home, vm, ip, port); err != nil {
		return descriptor.Deny, fmt.Errorf("[firewall] lookup %s %s:%d: %w", vm, ip, port, err)
	} else if ok {
		e.enricher.RecordConnection(vm, ip, port, "", "", d)
		return d, nil
	}

	// 2. Enrich once.
	result := e.enricher.Enrich(ctx, vm, ip, port)

	// 3. Default allow via domain.
	if result.Domain != "" {
		if suffix, ok := e.rules.Match(result.Domain); ok {
			e.log.Infof("[firewall] %s -> %s:%d allowed via domain %s (matched %s)", vm, ip, port, result.Domain, suffix)
			return e.persistAndRecord(vm, ip, port, result, descriptor.Allow)
		}
	}

	// 4. Default allow via reverse DNS.
	if host, ok := e.reverseLookup(ip); ok {
		if suffix, ok := e.rules.Match(host); ok {
			e.log.Infof("[firewall] %s -> %s:%d allowed via PTR %s (matched %s)", vm, ip, port, host, suffix)
			return e.persistAndRecord(vm, ip, port, result, descriptor.Allow)
		}
	}

	// 5. Interactive prompt, de-duplicated per (vm,ip,port) and serialized
	// globally by the decision mutex.
	key := fmt.Sprintf("%s|%s|%d", vm, ip, port)
	v, err, _ := e.group.Do(key, func() (any, error) {
		return e.promptUnderLock(ctx, vm, ip, port, result)
	})
	if err != nil {
		return descriptor.Deny, err
	}
	return v.(descriptor.Decision), nil
}

func (e *Engine) promptUnderLock(ctx context.Context, vm, ip string, port int, result enrich.Result) (descriptor.Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Re-check under lock: another connection or an external CLI edit may
	// have answered this exact destination between our fast-path miss and
	// acquiring the mutex.
	if d, ok, err := descriptor.Lookup(e.home, vm, ip, port); err == nil && ok {
		return d, nil
	}

	req := notifier.AskRequest{
		VM:          vm,
		IP:          ip,
		Port:        port,
		Domain:      result.Domain,
		ProcessName: result.ProcessName,
		ProcessPID:  result.ProcessPID,
		Recent:      e.enricher.RecentConnections(vm),
	}

	promptCtx, cancel := context.WithTimeout(ctx, promptTimeout)
	defer cancel()

	answer, err := e.notify.Ask(promptCtx, req)
	decision := descriptor.Deny
	if err == nil && answer == notifier.Allow {
		decision = descriptor.Allow
	}
	if err != nil {
		e.log.Warnf("[firewall] prompt for %s %s:%d failed, defaulting to deny: %v", vm, ip, port, err)
	}

	return e.persistAndRecord(vm, ip, port, result, decision)
}

func (e *Engine) persistAndRecord(vm, ip string, port int, result enrich.Result, decision descriptor.Decision) (descriptor.Decision, error) {
	if err := descriptor.Insert(e.home, vm, ip, port, decision); err != nil {
		return descriptor.Deny, fmt.Errorf("[firewall] persist %s %s:%d: %w", vm, ip, port, err)
	}
	e.enricher.RecordConnection(vm, ip, port, result.Domain, result.ProcessName, decision)
	return decision, nil
}

// reverseLookup performs a PTR query with a 1s budget via miekg/dns against
// e.resolver, or the first server in /etc/resolv.conf when that is empty.
// Per §9's open question (a), this never normalizes domain-typed
// (ATYP=0x03) destinations: a host that is not a literal IP fails
// net.ParseIP and yields no result without any DNS query.
func (e *Engine) reverseLookup(ip string) (string, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", false
	}
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", false
	}

	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)

	client := new(dns.Client)
	client.Timeout = ptrTimeout

	server := e.resolver
	if server == "" {
		server = "127.0.0.1:53"
		resolvConf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err == nil && len(resolvConf.Servers) > 0 {
			server = net.JoinHostPort(resolvConf.Servers[0], resolvConf.Port)
		}
	}

	resp, _, err := client.Exchange(m, server)
	if err != nil || resp == nil || len(resp.Answer) == 0 {
		return "", false
	}
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			name := ptr.Ptr
			for len(name) > 0 && name[len(name)-1] == '.' {
				name = name[:len(name)-1]
			}
			return name, true
		}
	}
	return "", false
}
