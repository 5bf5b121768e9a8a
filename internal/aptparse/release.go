package aptparse

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// FileHash is one entry of a Release file's checksum section.
type FileHash struct {
	Hash string
	Size int64
	Name string
}

// Release is the parsed content of a repository's Release (or the body of
// an InRelease) file (spec §6).
type Release struct {
	Origin        string
	Label         string
	Suite         string
	Version       string
	Codename      string
	Architectures []string
	Components    []string
	Description   string
	SHA256        []FileHash
}

// ParseRelease parses a Debian Release file body (spec §4.6/§6). InRelease
// files carry an inline signature block around the same stanza; callers
// that need to verify it first split the signature out and pass the
// enclosed plaintext here.
func ParseRelease(r io.Reader) (*Release, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	rel := &Release{}
	currentHashType := ""

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			currentHashType = ""
		}

		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if currentHashType == "SHA256" {
				fields := strings.Fields(line)
				if len(fields) >= 3 {
					size, _ := strconv.ParseInt(fields[1], 10, 64)
					rel.SHA256 = append(rel.SHA256, FileHash{Hash: fields[0], Size: size, Name: fields[2]})
				}
			}
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		field := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch field {
		case "Origin":
			rel.Origin = value
		case "Label":
			rel.Label = value
		case "Suite":
			rel.Suite = value
		case "Version":
			rel.Version = value
		case "Codename":
			rel.Codename = value
		case "Architectures":
			rel.Architectures = strings.Fields(value)
		case "Components":
			rel.Components = strings.Fields(value)
		case "Description":
			rel.Description = value
		case "SHA256":
			currentHashType = "SHA256"
		case "MD5Sum", "SHA1", "SHA512":
			currentHashType = "" // unsupported hash kinds are skipped, not fatal
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("aptparse: scanning release file: %w", err)
	}
	return rel, nil
}
