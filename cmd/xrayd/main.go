// xrayd is the xray control daemon: it resolves the local QEMU/firmware
// toolchain, wires the firewall decision engine to the VM lifecycle
// supervisor, and dispatches a small set of VM management subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rthewhite/xray/internal/config"
	"github.com/rthewhite/xray/internal/decision"
	"github.com/rthewhite/xray/internal/enrich"
	"github.com/rthewhite/xray/internal/notifier"
	"github.com/rthewhite/xray/internal/ruleset"
	"github.com/rthewhite/xray/internal/supervisor"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.DefaultConfig()
	if err != nil {
		logrus.Fatalf("resolve config: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		logrus.Fatalf("create directories: %v", err)
	}
	if err := cfg.ResolveBinaries(); err != nil {
		logrus.Fatalf("resolve qemu toolchain: %v", err)
	}
	logrus.WithField("component", "xrayd").Infof("xray home: %s (qemu: %s)", cfg.XrayHome, cfg.QemuSystemBin)

	rules, err := ruleset.Load(cfg.DefaultRulesPath())
	if err != nil {
		logrus.Fatalf("load default ruleset: %v", err)
	}
	enricher := enrich.New(cfg.XrayHome)

	notify := notifier.Notifier(notifier.TimeoutDefaultDeny{
		Inner: notifier.NewTerminal(),
		D:     300 * time.Second,
	})
	engine := decision.New(cfg.XrayHome, rules, enricher, notify)

	builtinHooksDir := os.Getenv("XRAY_BUILTIN_HOOKS")
	if builtinHooksDir == "" {
		builtinHooksDir = "/usr/local/share/xray/hooks"
	}

	sup := supervisor.New(cfg, builtinHooksDir, engine.Decide, enricher.ClearVMState)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, sup, os.Args[1], os.Args[2:]); err != nil {
		logrus.Fatalf("%v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: xrayd <command> [args]

commands:
  create  [--memory MB] [--cpus N] [--user NAME] [--port host:guest ...] <vm> <base>
  remove  <vm>
  start   [--display cocoa|none] [--no-hooks] [--allow-all] <vm>
  stop    [--force] <vm>
  info    <vm>
  add-port    <vm> <host> <guest>
  remove-port <vm> <host> <guest>

flags must come before the positional arguments.`)
}

func dispatch(ctx context.Context, sup *supervisor.Supervisor, cmd string, args []string) error {
	switch cmd {
	case "create":
		return cmdCreate(ctx, sup, args)
	case "remove":
		if len(args) != 1 {
			return fmt.Errorf("usage: xrayd remove <vm>")
		}
		return sup.Remove(args[0])
	case "start":
		return cmdStart(ctx, sup, args)
	case "stop":
		return cmdStop(sup, args)
	case "info":
		return cmdInfo(sup, args)
	case "add-port":
		return cmdPort(sup, args, sup.AddPort)
	case "remove-port":
		return cmdPort(sup, args, sup.RemovePort)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdCreate(ctx context.Context, sup *supervisor.Supervisor, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	memory := fs.Int("memory", 0, "memory in MB (defaults to config default)")
	cpus := fs.Int("cpus", 0, "vCPUs (defaults to config default)")
	user := fs.String("user", "", "guest SSH user (defaults to config default)")
	var ports portFlags
	fs.Var(&ports, "port", "host:guest port forward, may be repeated")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) != 2 {
		return fmt.Errorf("usage: xrayd create [flags] <vm> <base>")
	}
	return sup.Create(ctx, rest[0], rest[1], *memory, *cpus, *user, []string(ports))
}

func cmdStart(ctx context.Context, sup *supervisor.Supervisor, args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	display := fs.String("display", "", "display mode: cocoa or none")
	noHooks := fs.Bool("no-hooks", false, "skip boot hooks")
	allowAll := fs.Bool("allow-all", false, "disable egress filtering (all destinations allowed)")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: xrayd start [flags] <vm>")
	}
	return sup.Start(ctx, rest[0], supervisor.StartOptions{
		Display:  *display,
		RunHooks: !*noHooks,
		AllowAll: *allowAll,
	})
}

func cmdStop(sup *supervisor.Supervisor, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	force := fs.Bool("force", false, "send SIGKILL immediately instead of system_powerdown")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: xrayd stop [--force] <vm>")
	}
	return sup.Stop(rest[0], *force)
}

func cmdInfo(sup *supervisor.Supervisor, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: xrayd info <vm>")
	}
	info, err := sup.Info(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("vm:      %s\n", args[0])
	fmt.Printf("running: %v\n", info.Running)
	fmt.Printf("base:    %s\n", info.Descriptor.Base)
	fmt.Printf("ssh:     %s@127.0.0.1:%d\n", info.Descriptor.SSHUser, info.Descriptor.SSHPort)
	if info.Image != nil {
		fmt.Printf("disk:    %s (%s, backing %s)\n", info.Image.Filename, info.Image.Format, info.Image.BackingFile)
	}
	fmt.Printf("rules:   %d persisted\n", len(info.Descriptor.Firewall))
	return nil
}

func cmdPort(sup *supervisor.Supervisor, args []string, op func(vm string, host, guest int) error) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: xrayd (add-port|remove-port) <vm> <host> <guest>")
	}
	host, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid host port %q: %w", args[1], err)
	}
	guest, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid guest port %q: %w", args[2], err)
	}
	return op(args[0], host, guest)
}

// portFlags collects repeated -port host:guest flags into descriptor's
// []string port mapping shape.
type portFlags []string

func (p *portFlags) String() string { return fmt.Sprint([]string(*p)) }
func (p *portFlags) Set(v string) error {
	*p = append(*p, v)
	return nil
}
