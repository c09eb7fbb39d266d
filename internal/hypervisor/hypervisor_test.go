package hypervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildArgvIncludesMandatoryForwards(t *testing.T) {
	argv := BuildArgv("/usr/local/bin/qemu-system-aarch64", StartOpts{
		DiskPath:     "/vms/v1/disk.qcow2",
		EfivarsPath:  "/vms/v1/efivars.fd",
		FirmwareCode: "/fw/code.fd",
		QMPSockPath:  "/vms/v1/qmp.sock",
		Memory:       2048,
		CPUs:         2,
		Display:      "cocoa",
		Ports:        []string{"8080:80"},
		SSHPort:      2222,
		ProxyPort:    54321,
	})
	joined := strings.Join(argv, " ")

	for _, want := range []string{
		"-accel hvf",
		"hostfwd=tcp::8080-:80",
		"hostfwd=tcp::2222-:22",
		"guestfwd=tcp:10.0.2.100:1080-tcp:127.0.0.1:54321",
		"-qmp unix:/vms/v1/qmp.sock,server,nowait",
		"-display cocoa",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv missing %q:\n%s", want, joined)
		}
	}
}

func TestBuildArgvHeadlessUsesNographic(t *testing.T) {
	argv := BuildArgv("qemu-system-aarch64", StartOpts{Display: "none", SSHPort: 2222, ProxyPort: 1})
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "-nographic") {
		t.Errorf("expected -nographic in headless mode:\n%s", joined)
	}
	if strings.Contains(joined, "-display") {
		t.Errorf("did not expect -display alongside -nographic:\n%s", joined)
	}
}

func TestEnsureEfivarsCopiesTemplateOnce(t *testing.T) {
	dir := t.TempDir()
	template := filepath.Join(dir, "template.fd")
	os.WriteFile(template, []byte("firmware-vars"), 0644)

	dest := filepath.Join(dir, "vm", "efivars.fd")
	if err := EnsureEfivars(dest, template); err != nil {
		t.Fatalf("EnsureEfivars: %v", err)
	}
	data, _ := os.ReadFile(dest)
	if string(data) != "firmware-vars" {
		t.Fatalf("efivars content = %q", data)
	}

	// Second call must not overwrite an already-initialized store.
	os.WriteFile(dest, []byte("modified-by-guest"), 0644)
	if err := EnsureEfivars(dest, template); err != nil {
		t.Fatalf("EnsureEfivars (second call): %v", err)
	}
	data, _ = os.ReadFile(dest)
	if string(data) != "modified-by-guest" {
		t.Fatalf("EnsureEfivars clobbered an existing store: %q", data)
	}
}
