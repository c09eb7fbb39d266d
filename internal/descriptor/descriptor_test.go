package descriptor

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newDescriptor() *Descriptor {
	return &Descriptor{
		Base:    "ubuntu-24.04",
		Memory:  2048,
		CPUs:    2,
		Ports:   []string{"2200:22"},
		SSHPort: 2222,
		SSHUser: "xray",
		Firewall: map[string]string{
			"1.2.3.4:443": "allow",
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	home := t.TempDir()
	want := newDescriptor()
	if err := Save(home, "v1", want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(home, "v1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingReturnsErrNotFound(t *testing.T) {
	home := t.TempDir()
	_, err := Load(home, "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load of missing descriptor: err = %v, want ErrNotFound", err)
	}
}

func TestLoadRejectsUnknownFirewallValue(t *testing.T) {
	home := t.TempDir()
	d := newDescriptor()
	d.Firewall["5.6.7.8:80"] = "maybe"
	if err := Save(home, "v1", d); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := Load(home, "v1"); err == nil {
		t.Fatal("expected rejection of unknown firewall decision value")
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	home := t.TempDir()
	Save(home, "v1", newDescriptor())

	if err := Insert(home, "v1", "9.9.9.9", 443, Allow); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	before, _ := Load(home, "v1")

	if err := Insert(home, "v1", "9.9.9.9", 443, Allow); err != nil {
		t.Fatalf("Insert (repeat): %v", err)
	}
	after, _ := Load(home, "v1")

	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("repeated insert changed descriptor (-before +after):\n%s", diff)
	}
}

func TestLookupMiss(t *testing.T) {
	home := t.TempDir()
	Save(home, "v1", newDescriptor())

	_, found, err := Lookup(home, "v1", "10.0.0.1", 80)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found {
		t.Fatal("expected miss for unknown destination")
	}
}

func TestNextSSHPortSkipsUsed(t *testing.T) {
	home := t.TempDir()
	d1 := newDescriptor()
	d1.SSHPort = 2222
	Save(home, "v1", d1)
	d2 := newDescriptor()
	d2.SSHPort = 2223
	Save(home, "v2", d2)

	got, err := NextSSHPort(home, 2222)
	if err != nil {
		t.Fatalf("NextSSHPort: %v", err)
	}
	if got != 2224 {
		t.Fatalf("NextSSHPort = %d, want 2224", got)
	}
}

func TestAddPortValidatesRange(t *testing.T) {
	home := t.TempDir()
	Save(home, "v1", newDescriptor())

	if err := AddPort(home, "v1", 0, 22); err == nil {
		t.Fatal("expected error for host port 0")
	}
	if err := AddPort(home, "v1", 2201, 70000); err == nil {
		t.Fatal("expected error for guest port out of range")
	}
}

func TestParseKeyRoundTrip(t *testing.T) {
	key := Key("140.82.121.4", 443)
	ip, port, err := ParseKey(key)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if ip != "140.82.121.4" || port != 443 {
		t.Fatalf("ParseKey = %q, %d", ip, port)
	}
}
