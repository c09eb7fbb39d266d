// Package hooks runs the three-source ordered boot script pipeline the VM
// supervisor invokes after SSH readiness: built-in xray scripts, the
// user-global scripts directory, and per-VM scripts, each run in sorted
// filename order within its source.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/rthewhite/xray/internal/descriptor"
)

// Type is one of the three recognized hook stages.
type Type string

const (
	Create      Type = "create"
	InitialBoot Type = "initial-boot"
	Boot        Type = "boot"
)

const perScriptTimeout = 30 * time.Second

// Target describes the guest a hook script is running against.
type Target struct {
	VMName  string
	SSHPort int
	SSHUser string
	SSHHost string
}

func (t Target) env() []string {
	return append(os.Environ(),
		fmt.Sprintf("XRAY_VM_NAME=%s", t.VMName),
		fmt.Sprintf("XRAY_SSH_PORT=%d", t.SSHPort),
		fmt.Sprintf("XRAY_SSH_USER=%s", t.SSHUser),
		fmt.Sprintf("XRAY_SSH_HOST=%s", t.SSHHost),
	)
}

// Result is one script's outcome.
type Result struct {
	Source  string // "builtin", "user", or "vm"
	Name    string
	OK      bool
	Message string
}

// scriptsInDir returns the sorted *.sh files in dir, or nil if dir doesn't
// exist.
func scriptsInDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sh" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// scripts returns (source, path) pairs in builtin -> user -> per-VM order
// for hookType.
func scripts(builtinDir, userScriptsDir, vmScriptsDir string, hookType Type) ([]struct {
	source string
	path   string
}, error) {
	var out []struct {
		source string
		path   string
	}
	sources := []struct {
		name string
		dir  string
	}{
		{"builtin", filepath.Join(builtinDir, string(hookType))},
		{"user", filepath.Join(userScriptsDir, string(hookType))},
		{"vm", filepath.Join(vmScriptsDir, string(hookType))},
	}
	for _, src := range sources {
		names, err := scriptsInDir(src.dir)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			out = append(out, struct {
				source string
				path   string
			}{src.name, filepath.Join(src.dir, n)})
		}
	}
	return out, nil
}

// Run executes every script for hookType in order, collecting a Result per
// script. Script failures are captured, never returned as a Go error —
// hook failures are logged by the caller but non-fatal to VM start.
func Run(ctx context.Context, builtinDir, userScriptsDir, vmScriptsDir string, hookType Type, target Target) ([]Result, error) {
	entries, err := scripts(builtinDir, userScriptsDir, vmScriptsDir, hookType)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, e := range entries {
		runCtx, cancel := context.WithTimeout(ctx, perScriptTimeout)
		var out bytes.Buffer
		cmd := exec.CommandContext(runCtx, "/bin/sh", e.path)
		cmd.Env = target.env()
		cmd.Dir = filepath.Dir(e.path)
		cmd.Stdout = &out
		cmd.Stderr = &out
		err := cmd.Run()
		cancel()

		results = append(results, Result{
			Source:  e.source,
			Name:    filepath.Base(e.path),
			OK:      err == nil,
			Message: out.String(),
		})
	}
	return results, nil
}

// RunBoot runs the full boot sequence C6 step 8 requires: initial-boot
// hooks (only if first_boot_completed is false, with the flag set only if
// every hook succeeded), followed by boot hooks (always).
func RunBoot(ctx context.Context, home, builtinDir string, target Target) ([]Result, error) {
	d, err := descriptor.Load(home, target.VMName)
	if err != nil {
		return nil, err
	}

	userScriptsDir := filepath.Join(home, "scripts")
	vmScriptsDir := filepath.Join(home, "vms", target.VMName, "scripts")

	var all []Result
	if !d.FirstBootCompleted {
		results, err := Run(ctx, builtinDir, userScriptsDir, vmScriptsDir, InitialBoot, target)
		if err != nil {
			return nil, err
		}
		all = append(all, results...)

		allOK := true
		for _, r := range results {
			if !r.OK {
				allOK = false
				break
			}
		}
		if allOK {
			d.FirstBootCompleted = true
			if err := descriptor.Save(home, target.VMName, d); err != nil {
				return all, fmt.Errorf("[hooks] mark first boot completed: %w", err)
			}
		}
	}

	bootResults, err := Run(ctx, builtinDir, userScriptsDir, vmScriptsDir, Boot, target)
	if err != nil {
		return all, err
	}
	return append(all, bootResults...), nil
}
