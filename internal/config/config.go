// Package config resolves the xray home directory layout and locates the
// QEMU binaries and UEFI firmware the supervisor needs to spawn guests.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Config holds xrayd runtime configuration, rooted at XrayHome.
type Config struct {
	// XrayHome is the root directory for all persisted and runtime state.
	// Resolved from $XRAY_HOME, defaulting to ~/.xray.
	XrayHome string

	// QemuSystemBin is the path to qemu-system-aarch64. Empty until
	// ResolveBinaries runs.
	QemuSystemBin string

	// QemuImgBin is the path to qemu-img.
	QemuImgBin string

	// FirmwareCode is the read-only UEFI code image.
	FirmwareCode string

	// FirmwareVarsTemplate is the writable UEFI vars store template,
	// copied per-VM on first boot.
	FirmwareVarsTemplate string

	// DefaultMemoryMB and DefaultVCPUs seed new VM descriptors.
	DefaultMemoryMB int
	DefaultVCPUs    int

	// DefaultSSHUser seeds new VM descriptors.
	DefaultSSHUser string

	// Display is the QEMU display mode ("cocoa" default, "none" for headless).
	Display string
}

// GuestProxyAddr is the guest-visible address of the SOCKS5 gateway, per the
// user-mode NAT's guestfwd rule.
const GuestProxyAddr = "10.0.2.100"

// GuestProxyPort is the guest-visible port of the SOCKS5 gateway.
const GuestProxyPort = 1080

// BaseSSHPort is the first SSH port candidate assigned to new descriptors.
const BaseSSHPort = 2222

// DefaultConfig resolves $XRAY_HOME and seeds VM defaults. Binaries and
// firmware are located separately by ResolveBinaries.
func DefaultConfig() (*Config, error) {
	home := os.Getenv("XRAY_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve xray home: %w", err)
		}
		home = filepath.Join(userHome, ".xray")
	}

	cfg := &Config{
		XrayHome:        home,
		DefaultMemoryMB: 2048,
		DefaultVCPUs:    2,
		DefaultSSHUser:  "xray",
		Display:         "cocoa",
	}
	return cfg, nil
}

// EnsureDirs creates the top-level xray home directories.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.XrayHome, c.BasesDir(), c.VMsDir(), c.ScriptsDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

func (c *Config) BasesDir() string { return filepath.Join(c.XrayHome, "bases") }
func (c *Config) VMsDir() string   { return filepath.Join(c.XrayHome, "vms") }
func (c *Config) ScriptsDir() string {
	return filepath.Join(c.XrayHome, "scripts")
}
func (c *Config) DefaultRulesPath() string {
	return filepath.Join(c.XrayHome, "default-firewall-rules.conf")
}

func (c *Config) VMDir(name string) string        { return filepath.Join(c.VMsDir(), name) }
func (c *Config) VMConfigPath(name string) string  { return filepath.Join(c.VMDir(name), "vm.toml") }
func (c *Config) VMDiskPath(name string) string    { return filepath.Join(c.VMDir(name), "disk.qcow2") }
func (c *Config) VMEfivarsPath(name string) string { return filepath.Join(c.VMDir(name), "efivars.fd") }
func (c *Config) VMPidPath(name string) string     { return filepath.Join(c.VMDir(name), "pid") }
func (c *Config) VMQmpPath(name string) string     { return filepath.Join(c.VMDir(name), "qmp.sock") }
func (c *Config) VMProxyPortPath(name string) string {
	return filepath.Join(c.VMDir(name), "proxy_port")
}
func (c *Config) VMScriptsDir(name string) string { return filepath.Join(c.VMDir(name), "scripts") }
func (c *Config) BasePath(name string) string {
	return filepath.Join(c.BasesDir(), name+".qcow2")
}

// ResolveBinaries locates qemu-system-aarch64, qemu-img, and the aarch64 UEFI
// firmware pair. Safe to call multiple times; only fills empty fields.
func (c *Config) ResolveBinaries() error {
	if c.QemuSystemBin == "" {
		p, err := findBinary("qemu-system-aarch64")
		if err != nil {
			return err
		}
		c.QemuSystemBin = p
	}
	if c.QemuImgBin == "" {
		p, err := findBinary("qemu-img")
		if err != nil {
			return err
		}
		c.QemuImgBin = p
	}
	if c.FirmwareCode == "" {
		p, err := findFirmwareCode()
		if err != nil {
			return err
		}
		c.FirmwareCode = p
	}
	if c.FirmwareVarsTemplate == "" {
		p, err := findFirmwareVarsTemplate()
		if err != nil {
			return err
		}
		c.FirmwareVarsTemplate = p
	}
	return nil
}

// findBinary locates name on PATH, then in a short list of known
// Homebrew/system install locations. The directory of the running
// executable is not searched.
func findBinary(name string) (string, error) {
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	for _, dir := range []string{"/opt/homebrew/bin", "/usr/local/bin", "/usr/bin"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%q not found; install QEMU (brew install qemu)", name)
}

var firmwareCodeCandidates = []string{
	"/opt/homebrew/share/qemu/edk2-aarch64-code.fd",
	"/usr/local/share/qemu/edk2-aarch64-code.fd",
	"/usr/share/qemu/edk2-aarch64-code.fd",
	"/usr/share/AAVMF/AAVMF_CODE.fd",
}

var firmwareVarsCandidates = []string{
	"/opt/homebrew/share/qemu/edk2-arm-vars.fd",
	"/usr/local/share/qemu/edk2-arm-vars.fd",
	"/usr/share/qemu/edk2-arm-vars.fd",
	"/usr/share/AAVMF/AAVMF_VARS.fd",
}

func findFirmwareCode() (string, error) {
	for _, p := range firmwareCodeCandidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("UEFI firmware for aarch64 not found; install QEMU (brew install qemu)")
}

func findFirmwareVarsTemplate() (string, error) {
	for _, p := range firmwareVarsCandidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("UEFI variable store template not found; install QEMU (brew install qemu)")
}
