// Package descriptor implements the per-VM policy store (C1): the TOML
// descriptor persisted at vms/<name>/vm.toml, including the firewall rule
// map and atomic read/write semantics.
package descriptor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"
)

// Decision is the closed variant a firewall rule value may take.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

func (d Decision) valid() bool {
	return d == Allow || d == Deny
}

// Descriptor is the persisted shape of vm.toml.
type Descriptor struct {
	Base                string            `toml:"base"`
	Memory              int               `toml:"memory"`
	CPUs                int               `toml:"cpus"`
	Ports               []string          `toml:"ports"`
	SSHPort             int               `toml:"ssh_port"`
	SSHUser             string            `toml:"ssh_user"`
	FirstBootCompleted  bool              `toml:"first_boot_completed"`
	Firewall            map[string]string `toml:"firewall"`
	Plugins             map[string]map[string]any `toml:"plugins,omitempty"`
}

var (
	ErrNotFound       = fmt.Errorf("vm descriptor not found")
	ErrAlreadyExists  = fmt.Errorf("vm descriptor already exists")
	ErrInvalidRule    = fmt.Errorf("invalid firewall rule")
	ErrInvalidPort    = fmt.Errorf("port out of range [1,65535]")
)

// Key formats a canonical "ip:port" firewall map key.
func Key(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

// ParseKey splits a canonical "ip:port" key back into its parts.
func ParseKey(key string) (ip string, port int, err error) {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidRule, key)
	}
	ip = key[:idx]
	port, err = strconv.Atoi(key[idx+1:])
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidPort, key)
	}
	return ip, port, nil
}

// Path returns vms/<name>/vm.toml under home.
func Path(home, name string) string {
	return filepath.Join(home, "vms", name, "vm.toml")
}

// Load reads and validates a descriptor. Unknown firewall values are
// rejected rather than silently treated as deny.
func Load(home, name string) (*Descriptor, error) {
	path := Path(home, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var d Descriptor
	if _, err := toml.Decode(string(data), &d); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if d.Firewall == nil {
		d.Firewall = make(map[string]string)
	}
	for key, val := range d.Firewall {
		if !Decision(val).valid() {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidRule, key, val)
		}
	}
	return &d, nil
}

// Save atomically persists the descriptor: write to a tempfile in the same
// directory, then rename over the destination, so a crash mid-write never
// leaves a half-written vm.toml.
func Save(home, name string, d *Descriptor) error {
	path := Path(home, name)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create vm dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".vm-*.toml.tmp")
	if err != nil {
		return fmt.Errorf("create temp descriptor: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(d); err != nil {
		tmp.Close()
		return fmt.Errorf("encode descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp descriptor: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename descriptor into place: %w", err)
	}
	return nil
}

// Exists reports whether a descriptor has been created for name.
func Exists(home, name string) bool {
	_, err := os.Stat(Path(home, name))
	return err == nil
}

// NextSSHPort picks the lowest unused port at or above base across all
// existing descriptors under vmsDir.
func NextSSHPort(home string, base int) (int, error) {
	used := make(map[int]bool)
	vmsDir := filepath.Join(home, "vms")
	entries, err := os.ReadDir(vmsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return 0, fmt.Errorf("list vms: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		d, err := Load(home, e.Name())
		if err != nil {
			continue
		}
		if d.SSHPort > 0 {
			used[d.SSHPort] = true
		}
	}
	port := base
	for used[port] {
		port++
	}
	return port, nil
}

// List returns the names of all VMs with a persisted descriptor, sorted.
func List(home string) ([]string, error) {
	vmsDir := filepath.Join(home, "vms")
	entries, err := os.ReadDir(vmsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list vms: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			if _, err := os.Stat(filepath.Join(vmsDir, e.Name(), "vm.toml")); err == nil {
				names = append(names, e.Name())
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// Lookup returns the persisted decision for (ip,port), if any.
func Lookup(home, name, ip string, port int) (Decision, bool, error) {
	d, err := Load(home, name)
	if err != nil {
		return "", false, err
	}
	val, ok := d.Firewall[Key(ip, port)]
	if !ok {
		return "", false, nil
	}
	return Decision(val), true, nil
}

// Insert atomically records a decision for (ip,port), rewriting the whole
// descriptor. Re-inserting the same decision is a no-op write (idempotent
// modulo encoder formatting).
func Insert(home, name, ip string, port int, decision Decision) error {
	if !decision.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRule, decision)
	}
	d, err := Load(home, name)
	if err != nil {
		return err
	}
	d.Firewall[Key(ip, port)] = string(decision)
	return Save(home, name, d)
}

// Delete removes a firewall rule, if present.
func Delete(home, name, ip string, port int) error {
	d, err := Load(home, name)
	if err != nil {
		return err
	}
	delete(d.Firewall, Key(ip, port))
	return Save(home, name, d)
}

// Clear removes all firewall rules for a VM.
func Clear(home, name string) error {
	d, err := Load(home, name)
	if err != nil {
		return err
	}
	d.Firewall = make(map[string]string)
	return Save(home, name, d)
}

// ListRules returns all persisted (key, decision) pairs as a map keyed by
// the canonical "ip:port" key; the map carries no ordering.
func ListRules(home, name string) (map[string]Decision, error) {
	d, err := Load(home, name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Decision, len(d.Firewall))
	for k, v := range d.Firewall {
		out[k] = Decision(v)
	}
	return out, nil
}

// AddPort appends a host:guest port forward, validating both ends. Callers
// must ensure the VM is not running (the hypervisor's netdev argv is fixed
// at boot).
func AddPort(home, name string, hostPort, guestPort int) error {
	if err := validatePort(hostPort); err != nil {
		return err
	}
	if err := validatePort(guestPort); err != nil {
		return err
	}
	d, err := Load(home, name)
	if err != nil {
		return err
	}
	mapping := fmt.Sprintf("%d:%d", hostPort, guestPort)
	if lo.Contains(d.Ports, mapping) {
		return nil // idempotent
	}
	d.Ports = append(d.Ports, mapping)
	return Save(home, name, d)
}

// RemovePort removes a host:guest port forward if present.
func RemovePort(home, name string, hostPort, guestPort int) error {
	d, err := Load(home, name)
	if err != nil {
		return err
	}
	mapping := fmt.Sprintf("%d:%d", hostPort, guestPort)
	d.Ports = lo.Reject(d.Ports, func(p string, _ int) bool { return p == mapping })
	return Save(home, name, d)
}

func validatePort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, p)
	}
	return nil
}
