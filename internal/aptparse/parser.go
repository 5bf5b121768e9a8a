// Package aptparse parses Debian-style Packages and Release stanza files and
// the Depends/Conflicts/Provides constraint grammar (spec §4.6), following
// the stanza-scanning style of the teacher's pkg/dpkg/parser.go.
package aptparse

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/KyoshiHikari/apt-ng/internal/model"
)

// OpenDecompressed wraps r with a decompressor chosen by the declared
// compression kind ("gz", "xz", or "" for plain text), per spec §6.
func OpenDecompressed(r io.Reader, kind string) (io.Reader, error) {
	switch kind {
	case "gz":
		return gzip.NewReader(r)
	case "xz":
		return xz.NewReader(r)
	case "", "plain":
		return r, nil
	default:
		return nil, fmt.Errorf("aptparse: unsupported compression %q", kind)
	}
}

// ParsePackagesFile parses the textual body of a Packages file (spec §4.6).
// Blocks are separated by blank lines; a block yields a manifest iff it
// carries both Package and Version fields. Malformed input never causes a
// panic: unrecognized lines are ignored and an incomplete block is skipped.
func ParsePackagesFile(r io.Reader) ([]model.PackageManifest, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out []model.PackageManifest
	var cur *rawStanza
	var lastField string

	flush := func() {
		if cur != nil {
			if m, ok := cur.toManifest(); ok {
				out = append(out, m)
			}
			cur = nil
		}
		lastField = ""
	}

	for scanner.Scan() {
		line := scanner.Text()

		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}

		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && cur != nil && lastField != "" {
			cur.fields[lastField] += "\n" + strings.TrimSpace(line)
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		field := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if field == "Package" {
			flush()
			cur = newRawStanza()
		}
		if cur == nil {
			continue
		}
		cur.fields[field] = value
		lastField = field
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("aptparse: scanning packages file: %w", err)
	}
	return out, nil
}

type rawStanza struct {
	fields map[string]string
}

func newRawStanza() *rawStanza {
	return &rawStanza{fields: make(map[string]string)}
}

func (s *rawStanza) toManifest() (model.PackageManifest, bool) {
	name, okName := s.fields["Package"]
	version, okVer := s.fields["Version"]
	if !okName || !okVer || name == "" || version == "" {
		return model.PackageManifest{}, false
	}

	arch := s.fields["Architecture"]
	if arch == "" {
		arch = "all"
	}

	m := model.PackageManifest{
		Name:     name,
		Version:  version,
		Arch:     arch,
		Depends:  splitTopLevelTerms(s.fields["Depends"]),
		Conflicts: splitTopLevelTerms(s.fields["Conflicts"]),
		Provides: namesOnly(s.fields["Provides"]),
		Replaces: namesOnly(s.fields["Replaces"]),
		Filename: s.fields["Filename"],
		Checksum: s.fields["SHA256"],
	}

	if v, ok := s.fields["Size"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			m.Size = n
		}
	}
	return m, true
}

// splitTopLevelTerms splits a Depends/Conflicts-style field value into its
// raw comma-separated terms, preserving pipe alternatives and version
// constraints verbatim (the DependencyRule grammar is parsed separately by
// ParseDependsField).
func splitTopLevelTerms(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// namesOnly parses a Provides/Replaces-style field into bare package names.
func namesOnly(v string) []string {
	terms := splitTopLevelTerms(v)
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if idx := strings.IndexAny(t, "(|"); idx != -1 {
			t = strings.TrimSpace(t[:idx])
		}
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// FormatPackageEntry renders a manifest back into a Packages-file stanza.
// Used by the parser round-trip property (spec §8): parsing the output of
// FormatPackageEntry must reproduce an equal manifest on the fields it
// carries.
func FormatPackageEntry(m model.PackageManifest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Package: %s\n", m.Name)
	fmt.Fprintf(&b, "Version: %s\n", m.Version)
	fmt.Fprintf(&b, "Architecture: %s\n", m.Arch)
	if len(m.Depends) > 0 {
		fmt.Fprintf(&b, "Depends: %s\n", strings.Join(m.Depends, ", "))
	}
	if len(m.Conflicts) > 0 {
		fmt.Fprintf(&b, "Conflicts: %s\n", strings.Join(m.Conflicts, ", "))
	}
	if len(m.Provides) > 0 {
		fmt.Fprintf(&b, "Provides: %s\n", strings.Join(m.Provides, ", "))
	}
	if len(m.Replaces) > 0 {
		fmt.Fprintf(&b, "Replaces: %s\n", strings.Join(m.Replaces, ", "))
	}
	if m.Size > 0 {
		fmt.Fprintf(&b, "Size: %d\n", m.Size)
	}
	if m.Checksum != "" {
		fmt.Fprintf(&b, "SHA256: %s\n", m.Checksum)
	}
	if m.Filename != "" {
		fmt.Fprintf(&b, "Filename: %s\n", m.Filename)
	}
	return b.String()
}
