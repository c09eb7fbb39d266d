// Package supervisor implements the VM lifecycle supervisor (C6): create and
// remove descriptors, start a VM (wiring the gateway, the hypervisor child,
// and the boot hook sequence together), stop it gracefully or forcibly, and
// report runtime status.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/rthewhite/xray/internal/config"
	"github.com/rthewhite/xray/internal/descriptor"
	"github.com/rthewhite/xray/internal/gateway"
	"github.com/rthewhite/xray/internal/hooks"
	"github.com/rthewhite/xray/internal/hypervisor"
	"github.com/rthewhite/xray/internal/qmp"
	"github.com/rthewhite/xray/internal/sshexec"
)

var (
	ErrUnknownVM          = errors.New("unknown vm")
	ErrDuplicateVM        = errors.New("vm already exists")
	ErrInvalidPortMapping = errors.New("invalid port mapping")
	ErrVMRunning          = errors.New("vm is running")
)

const (
	proxyWaitBudget    = 5 * time.Second
	proxyWaitPoll      = 100 * time.Millisecond
	proxyProbeAttempts = 10
	proxyProbeInterval = 100 * time.Millisecond

	sshReadyPoll   = 2 * time.Second
	sshReadyBudget = 120 * time.Second

	heartbeatInterval = 5 * time.Second

	stopGracePoll   = 1 * time.Second
	stopGraceBudget = 30 * time.Second
)

// DecideFunc mirrors gateway.DecideFunc; it is re-exported here so callers
// wiring the supervisor don't need to import the gateway package directly.
type DecideFunc = gateway.DecideFunc

// StartOptions parameterizes a single start() call.
type StartOptions struct {
	Display   string // "" defers to cfg.Display
	RunHooks  bool
	AllowAll  bool
}

// Supervisor runs VM lifecycle operations against the descriptors and
// runtime files under cfg.XrayHome; it keeps no per-VM state of its own.
type Supervisor struct {
	cfg      *config.Config
	decide   DecideFunc
	onStop   func(vm string) // e.g. enricher.ClearVMState
	builtinHooksDir string

	log *logrus.Entry
}

// New constructs a Supervisor. decide is the C4 decision callback used
// unless a VM is started with AllowAll. onStop, if non-nil, is called on
// every teardown path (used to clear the enricher's per-VM state).
func New(cfg *config.Config, builtinHooksDir string, decide DecideFunc, onStop func(vm string)) *Supervisor {
	return &Supervisor{
		cfg:             cfg,
		decide:          decide,
		onStop:          onStop,
		builtinHooksDir: builtinHooksDir,
		log:             logrus.WithField("component", "supervisor"),
	}
}

// Create materializes a new VM descriptor and overlay disk cloned from
// base, then runs the "create" hook stage (host-side provisioning before
// first boot).
func (s *Supervisor) Create(ctx context.Context, vm, base string, memory, cpus int, sshUser string, ports []string) error {
	if descriptor.Exists(s.cfg.XrayHome, vm) {
		return fmt.Errorf("%w: %s", ErrDuplicateVM, vm)
	}
	basePath := s.cfg.BasePath(base)
	if _, err := os.Stat(basePath); err != nil {
		return fmt.Errorf("base image %q: %w", base, err)
	}

	if err := os.MkdirAll(s.cfg.VMDir(vm), 0700); err != nil {
		return fmt.Errorf("create vm dir: %w", err)
	}
	if err := hypervisor.CreateOverlay(s.cfg.QemuImgBin, basePath, s.cfg.VMDiskPath(vm)); err != nil {
		return fmt.Errorf("create overlay: %w", err)
	}

	sshPort, err := descriptor.NextSSHPort(s.cfg.XrayHome, config.BaseSSHPort)
	if err != nil {
		return fmt.Errorf("allocate ssh port: %w", err)
	}
	if sshUser == "" {
		sshUser = s.cfg.DefaultSSHUser
	}
	if memory == 0 {
		memory = s.cfg.DefaultMemoryMB
	}
	if cpus == 0 {
		cpus = s.cfg.DefaultVCPUs
	}

	d := &descriptor.Descriptor{
		Base:    base,
		Memory:  memory,
		CPUs:    cpus,
		Ports:   ports,
		SSHPort: sshPort,
		SSHUser: sshUser,
		Firewall: make(map[string]string),
	}
	if err := descriptor.Save(s.cfg.XrayHome, vm, d); err != nil {
		return fmt.Errorf("save descriptor: %w", err)
	}

	if _, err := hooks.Run(ctx, s.builtinHooksDir, s.cfg.ScriptsDir(), s.cfg.VMScriptsDir(vm), hooks.Create,
		hooks.Target{VMName: vm, SSHPort: sshPort, SSHUser: sshUser, SSHHost: "127.0.0.1"}); err != nil {
		s.log.Warnf("[supervisor] create hooks for %s: %v", vm, err)
	}

	return nil
}

// Remove deletes a VM's descriptor and on-disk state. Forbidden while the
// VM is running.
func (s *Supervisor) Remove(vm string) error {
	if !descriptor.Exists(s.cfg.XrayHome, vm) {
		return fmt.Errorf("%w: %s", ErrUnknownVM, vm)
	}
	if s.IsRunning(vm) {
		return fmt.Errorf("%w: %s", ErrVMRunning, vm)
	}
	if err := os.RemoveAll(s.cfg.VMDir(vm)); err != nil {
		return fmt.Errorf("remove vm dir: %w", err)
	}
	return nil
}

// IsRunning reads the PID file and probes it with signal 0. A dead or
// unparseable PID file is garbage-collected along with the management
// socket.
func (s *Supervisor) IsRunning(vm string) bool {
	pid, err := readPID(s.cfg.VMPidPath(vm))
	if err != nil {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil {
		os.Remove(s.cfg.VMPidPath(vm))
		os.Remove(s.cfg.VMQmpPath(vm))
		return false
	}
	return true
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// Info is the result of the info() operation.
type Info struct {
	Descriptor *descriptor.Descriptor
	Running    bool
	Image      *hypervisor.ImageInfo
}

// Info reads the descriptor, runtime status, and the overlay's backing
// chain.
func (s *Supervisor) Info(vm string) (*Info, error) {
	d, err := descriptor.Load(s.cfg.XrayHome, vm)
	if err != nil {
		return nil, err
	}
	img, err := hypervisor.Info(s.cfg.QemuImgBin, s.cfg.VMDiskPath(vm))
	if err != nil {
		s.log.Warnf("[supervisor] image info for %s: %v", vm, err)
		img = nil
	}
	return &Info{Descriptor: d, Running: s.IsRunning(vm), Image: img}, nil
}

// AddPort appends a host:guest forward; forbidden while running.
func (s *Supervisor) AddPort(vm string, host, guest int) error {
	if s.IsRunning(vm) {
		return fmt.Errorf("%w: %s", ErrVMRunning, vm)
	}
	return descriptor.AddPort(s.cfg.XrayHome, vm, host, guest)
}

// RemovePort removes a host:guest forward; forbidden while running.
func (s *Supervisor) RemovePort(vm string, host, guest int) error {
	if s.IsRunning(vm) {
		return fmt.Errorf("%w: %s", ErrVMRunning, vm)
	}
	return descriptor.RemovePort(s.cfg.XrayHome, vm, host, guest)
}

// Start runs a VM to completion: wires the gateway, spawns the hypervisor
// child, runs boot hooks, and blocks until the child exits. It always tears
// down runtime state on the way out, regardless of how it returns.
func (s *Supervisor) Start(ctx context.Context, vm string, opts StartOptions) error {
	d, err := descriptor.Load(s.cfg.XrayHome, vm)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownVM, vm)
	}

	defer s.teardown(vm)

	// Step 1: remove any stale proxy_port file.
	proxyPortPath := s.cfg.VMProxyPortPath(vm)
	os.Remove(proxyPortPath)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Step 2: launch the gateway.
	decide := s.decide
	if opts.AllowAll {
		decide = func(context.Context, string, string, int) (descriptor.Decision, error) {
			return descriptor.Allow, nil
		}
	}
	gw := gateway.New(vm, decide)
	proxyPort, err := freePort()
	if err != nil {
		return fmt.Errorf("allocate proxy port: %w", err)
	}
	sup, err := gateway.NewSupervised(gw, proxyPort)
	if err != nil {
		return fmt.Errorf("bind gateway: %w", err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		sup.Run(gctx)
		return nil
	})

	if err := os.WriteFile(proxyPortPath, []byte(strconv.Itoa(proxyPort)), 0600); err != nil {
		sup.Stop()
		return fmt.Errorf("write proxy_port: %w", err)
	}

	// Step 3+4: wait for the proxy port to be reachable.
	if err := waitForProxy(proxyPort); err != nil {
		sup.Stop()
		return err
	}

	// Step 5: ensure UEFI vars.
	if err := hypervisor.EnsureEfivars(s.cfg.VMEfivarsPath(vm), s.cfg.FirmwareVarsTemplate); err != nil {
		sup.Stop()
		return fmt.Errorf("ensure efivars: %w", err)
	}

	display := opts.Display
	if display == "" {
		display = s.cfg.Display
	}

	// Step 6: spawn the hypervisor child.
	argv := hypervisor.BuildArgv(s.cfg.QemuSystemBin, hypervisor.StartOpts{
		DiskPath:     s.cfg.VMDiskPath(vm),
		EfivarsPath:  s.cfg.VMEfivarsPath(vm),
		FirmwareCode: s.cfg.FirmwareCode,
		QMPSockPath:  s.cfg.VMQmpPath(vm),
		Memory:       d.Memory,
		CPUs:         d.CPUs,
		Display:      display,
		Ports:        d.Ports,
		SSHPort:      d.SSHPort,
		ProxyPort:    proxyPort,
	})
	cmd, err := hypervisor.Spawn(argv)
	if err != nil {
		sup.Stop()
		return err
	}

	// Step 7: write PID file.
	if err := os.WriteFile(s.cfg.VMPidPath(vm), []byte(strconv.Itoa(cmd.Process.Pid)), 0600); err != nil {
		s.log.Warnf("[supervisor] write pid file for %s: %v", vm, err)
	}

	// Step 8: boot hooks.
	if opts.RunHooks {
		go func() {
			if err := s.waitSSHAndRunHooks(runCtx, vm, d); err != nil {
				s.log.Warnf("[supervisor] boot hooks for %s: %v", vm, err)
			}
		}()
	}

	// Step 9: wait on the child with a heartbeat checking gateway liveness.
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	var childErr error
waitLoop:
	for {
		select {
		case childErr = <-waitErr:
			break waitLoop
		case <-ticker.C:
			if !sup.Alive() {
				s.log.Warnf("[supervisor] %s: gateway supervisor goroutine is not alive; VM continues without egress filtering", vm)
			}
		case <-runCtx.Done():
			childErr = runCtx.Err()
			break waitLoop
		}
	}
	cancel()
	sup.Stop()
	g.Wait() // join the gateway supervisor goroutine before reporting VM exit
	return childErr
}

func (s *Supervisor) waitSSHAndRunHooks(ctx context.Context, vm string, d *descriptor.Descriptor) error {
	target := hooks.Target{VMName: vm, SSHPort: d.SSHPort, SSHUser: d.SSHUser, SSHHost: "127.0.0.1"}
	deadline := time.Now().Add(sshReadyBudget)
	for {
		if sshProbe(d.SSHPort, d.SSHUser) {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ssh not reachable on port %d after %v", d.SSHPort, sshReadyBudget)
		}
		select {
		case <-time.After(sshReadyPoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	results, err := hooks.RunBoot(ctx, s.cfg.XrayHome, s.builtinHooksDir, target)
	if err != nil {
		return err
	}
	for _, r := range results {
		if !r.OK {
			s.log.Warnf("[hooks] %s/%s failed: %s", r.Source, r.Name, r.Message)
		}
	}
	return nil
}

// sshProbe reports whether the guest's SSH server answers the `true`
// command on the forwarded port.
func sshProbe(port int, user string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), sshReadyPoll)
	defer cancel()
	_, err := sshexec.RunCommand(ctx, sshexec.Target{Host: "127.0.0.1", Port: port, User: user}, "true")
	return err == nil
}

// teardown is the unconditional step 10: clear enrichment state and unlink
// runtime files. It does not touch the gateway; every Start return path
// that started the gateway has already stopped it.
func (s *Supervisor) teardown(vm string) {
	if s.onStop != nil {
		s.onStop(vm)
	}
	os.Remove(s.cfg.VMPidPath(vm))
	os.Remove(s.cfg.VMQmpPath(vm))
	os.Remove(s.cfg.VMProxyPortPath(vm))
}

func waitForProxy(port int) error {
	deadline := time.Now().Add(proxyWaitBudget)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), proxyWaitPoll)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(proxyWaitPoll)
	}
	for i := 0; i < proxyProbeAttempts; i++ {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), proxyProbeInterval)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(proxyProbeInterval)
	}
	return fmt.Errorf("gateway on port %d did not become reachable", port)
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Stop shuts a running VM down: graceful system_powerdown with a 30 s poll
// budget unless force is set, or on timeout a SIGKILL. Once the child is
// gone it unlinks the runtime files. The gateway belongs to the process
// running Start, which stops it when it sees the child exit.
func (s *Supervisor) Stop(vm string, force bool) error {
	pid, err := readPID(s.cfg.VMPidPath(vm))
	if err != nil {
		return fmt.Errorf("%w: %s is not running", ErrUnknownVM, vm)
	}

	if !force {
		if conn, err := qmp.Dial(s.cfg.VMQmpPath(vm), 5*time.Second); err == nil {
			if err := conn.SystemPowerdown(); err != nil {
				s.log.Warnf("[supervisor] system_powerdown for %s: %v", vm, err)
			}
			conn.Close()

			deadline := time.Now().Add(stopGraceBudget)
			for time.Now().Before(deadline) {
				if unix.Kill(pid, 0) != nil {
					s.teardown(vm)
					return nil
				}
				time.Sleep(stopGracePoll)
			}
			s.log.Warnf("[supervisor] %s did not power down within %v, forcing", vm, stopGraceBudget)
		} else {
			s.log.Warnf("[supervisor] qmp dial for %s: %v, forcing", vm, err)
		}
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("sigkill %s (pid %d): %w", vm, pid, err)
	}
	s.teardown(vm)
	return nil
}
