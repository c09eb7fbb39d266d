// Package ruleset implements the host-global default-allow DNS suffix list
// (C2): materialized from a built-in list on first read, matched
// case-insensitively against enriched or reverse-resolved hostnames.
package ruleset

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// builtinDomains seeds default-firewall-rules.conf on first read. Preserved
// verbatim from the package manager mirrors a disposable build VM needs by
// default.
var builtinDomains = []string{
	"archive.ubuntu.com",
	"ports.ubuntu.com",
	"security.ubuntu.com",
	"ppa.launchpad.net",
	"ppa.launchpadcontent.net",
	"canonical.com",
	"ubuntu.com",
	"launchpad.net",
	"debian.org",
	"deb.nodesource.com",
	"dl.google.com",
	"packages.microsoft.com",
	"download.docker.com",
	"github.com",
	"githubusercontent.com",
	"pypi.org",
	"files.pythonhosted.org",
	"npmjs.org",
	"registry.npmjs.org",
}

// Ruleset is the materialized, lowercased suffix list.
type Ruleset struct {
	suffixes []string
}

// Load reads path, materializing it from the built-in list if absent.
func Load(path string) (*Ruleset, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := materialize(path); err != nil {
			return nil, err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var suffixes []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		suffixes = append(suffixes, strings.ToLower(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &Ruleset{suffixes: suffixes}, nil
}

func materialize(path string) error {
	var b strings.Builder
	b.WriteString("# xray default-allow DNS suffixes.\n")
	b.WriteString("# One domain suffix per line; '#' starts a comment.\n")
	for _, d := range builtinDomains {
		b.WriteString(d)
		b.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("materialize %s: %w", path, err)
	}
	return nil
}

// Match reports whether host matches any suffix in the set: either an exact
// (case-insensitive) match, or host ends with "." + suffix. A bare substring
// match (e.g. "evilgithub.com" against "github.com") never counts.
func (r *Ruleset) Match(host string) (suffix string, ok bool) {
	h := strings.ToLower(host)
	for _, s := range r.suffixes {
		if h == s || strings.HasSuffix(h, "."+s) {
			return s, true
		}
	}
	return "", false
}
