// Package hypervisor builds qemu-system-aarch64 argv and manages the
// overlay disk, UEFI firmware, and the hypervisor child process itself.
// The hypervisor binary is treated as an opaque child process: this
// package only ever configures it via argv and talks to it over the QMP
// management socket (internal/qmp).
package hypervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rthewhite/xray/internal/config"
)

// StartOpts parameterizes the argv the supervisor builds for one VM start.
type StartOpts struct {
	DiskPath     string
	EfivarsPath  string
	FirmwareCode string
	QMPSockPath  string
	Memory       int
	CPUs         int
	Display      string // "cocoa" or "none"

	// Ports is the VM descriptor's configured host:guest forwards, in
	// addition to the mandatory SSH and proxy forwards below.
	Ports []string

	SSHPort   int
	ProxyPort int
}

// BuildArgv constructs the qemu-system-aarch64 command line: hardware
// acceleration, the virt machine type, UEFI firmware pair, the overlay
// disk, USB/input/GPU devices, virtio-net with user-mode NAT (configured
// port forwards plus the mandatory SSH hostfwd and the 10.0.2.100:1080
// guestfwd into the gateway), the QMP management socket, and display.
func BuildArgv(qemuBin string, o StartOpts) []string {
	argv := []string{
		qemuBin,
		"-accel", "hvf",
		"-machine", "virt",
		"-cpu", "host",
		"-m", fmt.Sprint(o.Memory),
		"-smp", fmt.Sprint(o.CPUs),
		"-drive", fmt.Sprintf("if=pflash,format=raw,readonly=on,file=%s", o.FirmwareCode),
		"-drive", fmt.Sprintf("if=pflash,format=raw,file=%s", o.EfivarsPath),
		"-drive", fmt.Sprintf("if=virtio,format=qcow2,file=%s", o.DiskPath),
		"-device", "qemu-xhci",
		"-device", "usb-kbd",
		"-device", "usb-tablet",
		"-device", "virtio-gpu-pci",
		"-device", "virtio-net-pci,netdev=net0",
	}

	netdev := "user,id=net0"
	for _, p := range o.Ports {
		netdev += fmt.Sprintf(",hostfwd=tcp::%s", translateHostGuest(p))
	}
	netdev += fmt.Sprintf(",hostfwd=tcp::%d-:22", o.SSHPort)
	netdev += fmt.Sprintf(",guestfwd=tcp:%s:%d-tcp:127.0.0.1:%d", config.GuestProxyAddr, config.GuestProxyPort, o.ProxyPort)
	argv = append(argv, "-netdev", netdev)

	argv = append(argv, "-qmp", fmt.Sprintf("unix:%s,server,nowait", o.QMPSockPath))

	if o.Display == "none" {
		argv = append(argv, "-nographic")
	} else {
		argv = append(argv, "-display", o.Display)
	}

	return argv
}

// translateHostGuest turns a descriptor "H:G" mapping into qemu's
// "H-:G" hostfwd fragment.
func translateHostGuest(mapping string) string {
	host, guest, _ := strings.Cut(mapping, ":")
	return host + "-:" + guest
}

// EnsureEfivars copies the firmware vars template into place on first boot.
func EnsureEfivars(efivarsPath, template string) error {
	if _, err := os.Stat(efivarsPath); err == nil {
		return nil
	}
	data, err := os.ReadFile(template)
	if err != nil {
		return fmt.Errorf("read firmware vars template: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(efivarsPath), 0700); err != nil {
		return fmt.Errorf("create vm dir: %w", err)
	}
	if err := os.WriteFile(efivarsPath, data, 0600); err != nil {
		return fmt.Errorf("write efivars: %w", err)
	}
	return nil
}

// CreateOverlay creates a qcow2 overlay at overlayPath backed by
// backingPath. The backing file reference is written as a relative path
// (qemu-img -F qcow2 -b <relative backing>) so moving the VM directory
// never breaks the link.
func CreateOverlay(qemuImgBin, backingPath, overlayPath string) error {
	rel, err := filepath.Rel(filepath.Dir(overlayPath), backingPath)
	if err != nil {
		return fmt.Errorf("relativize backing path: %w", err)
	}
	cmd := exec.Command(qemuImgBin, "create", "-f", "qcow2", "-b", rel, "-F", "qcow2", overlayPath)
	cmd.Dir = filepath.Dir(overlayPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("qemu-img create: %w: %s", err, out)
	}
	return nil
}

// ImageInfo is the subset of `qemu-img info --output=json` this codebase
// surfaces via the supervisor's info() operation.
type ImageInfo struct {
	Filename    string `json:"filename"`
	Format      string `json:"format"`
	VirtualSize int64  `json:"virtual-size"`
	BackingFile string `json:"backing-filename,omitempty"`
}

// Info runs qemu-img info --output=json --backing-chain on imagePath. With
// --backing-chain qemu-img prints a JSON array, one entry per image from
// imagePath down to its base; Info returns the first entry (imagePath
// itself, whose BackingFile names the base).
func Info(qemuImgBin, imagePath string) (*ImageInfo, error) {
	cmd := exec.Command(qemuImgBin, "info", "--output=json", "--backing-chain", imagePath)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("qemu-img info: %w", err)
	}
	var chain []ImageInfo
	if err := json.Unmarshal(out, &chain); err != nil {
		return nil, fmt.Errorf("parse qemu-img info output: %w", err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("parse qemu-img info output: empty backing chain")
	}
	return &chain[0], nil
}

// Spawn starts the qemu-system-aarch64 child process and returns it
// unwaited; the caller is responsible for writing the PID file and calling
// Wait.
func Spawn(argv []string) (*exec.Cmd, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn hypervisor: %w", err)
	}
	return cmd, nil
}
