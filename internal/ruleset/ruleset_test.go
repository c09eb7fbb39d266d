package ruleset

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMaterializesBuiltinList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default-firewall-rules.conf")

	rs, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected materialized file: %v", err)
	}
	if _, ok := rs.Match("github.com"); !ok {
		t.Fatal("expected github.com to match built-in list")
	}
}

func TestMatchExactAndSubdomain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.conf")
	os.WriteFile(path, []byte("github.com\n"), 0644)
	rs, _ := Load(path)

	if _, ok := rs.Match("github.com"); !ok {
		t.Error("expected exact match")
	}
	if _, ok := rs.Match("lb-140-82-121-4-iad.github.com"); !ok {
		t.Error("expected subdomain match")
	}
	if _, ok := rs.Match("GitHub.COM"); !ok {
		t.Error("expected case-insensitive match")
	}
}

func TestMatchRejectsSubstringNotSubdomain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.conf")
	os.WriteFile(path, []byte("github.com\n"), 0644)
	rs, _ := Load(path)

	if _, ok := rs.Match("evilgithub.com"); ok {
		t.Error("evilgithub.com must not match github.com")
	}
}

func TestLoadIgnoresCommentsAndBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.conf")
	os.WriteFile(path, []byte("# comment\n\ngithub.com\n"), 0644)
	rs, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := rs.Match("github.com"); !ok {
		t.Error("expected github.com to match")
	}
	if _, ok := rs.Match("# comment"); ok {
		t.Error("comment line must not become a matchable suffix")
	}
}
