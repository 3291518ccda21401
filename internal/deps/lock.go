package deps

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// LockFormat identifies the lock dialect.
type LockFormat string

const (
	FormatUV     LockFormat = "uv"
	FormatPoetry LockFormat = "poetry"
	FormatPDM    LockFormat = "pdm"
	FormatPinned LockFormat = "pinned"
)

// LockedPackage is one resolved, pinned dependency.
type LockedPackage struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Source  string   `json:"source,omitempty"`
	Hashes  []string `json:"hashes,omitempty"`
}

// Lock is a parsed lock file.
type Lock struct {
	Path     string          `json:"path"`
	Format   LockFormat      `json:"format"`
	Packages []LockedPackage `json:"packages"`

	index map[string]int
}

// Lookup finds a locked package by (unnormalized) name.
func (l *Lock) Lookup(name string) (LockedPackage, bool) {
	key := Normalize(name)
	if l.index != nil {
		if i, ok := l.index[key]; ok {
			return l.Packages[i], true
		}
		return LockedPackage{}, false
	}
	for _, p := range l.Packages {
		if Normalize(p.Name) == key {
			return p, true
		}
	}
	return LockedPackage{}, false
}

func (l *Lock) buildIndex() {
	l.index = make(map[string]int, len(l.Packages))
	for i, p := range l.Packages {
		l.index[Normalize(p.Name)] = i
	}
}

// DetectFormat picks the dialect from the lock file's base name.
func DetectFormat(path string) LockFormat {
	switch strings.ToLower(filepath.Base(path)) {
	case "uv.lock":
		return FormatUV
	case "poetry.lock":
		return FormatPoetry
	case "pdm.lock":
		return FormatPDM
	default:
		return FormatPinned
	}
}

// LoadLock reads and parses the lock file at path.
func LoadLock(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrLockMissing, path)
		}
		return nil, fmt.Errorf("reading lock file %s: %w", path, err)
	}

	l, err := ParseLock(DetectFormat(path), data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	l.Path = path
	return l, nil
}

// ParseLock parses lock content in the given dialect.
func ParseLock(format LockFormat, data []byte) (*Lock, error) {
	var (
		pkgs []LockedPackage
		err  error
	)
	switch format {
	case FormatUV, FormatPoetry, FormatPDM:
		pkgs, err = parseTOMLLock(data)
	case FormatPinned:
		pkgs, err = parsePinnedLock(data)
	default:
		return nil, fmt.Errorf("%w: unknown lock format %q", ErrMalformed, format)
	}
	if err != nil {
		return nil, err
	}

	l := &Lock{Format: format, Packages: pkgs}
	l.buildIndex()
	return l, nil
}

type tomlHash struct {
	Hash string `toml:"hash"`
}

type tomlLock struct {
	Package []struct {
		Name    string         `toml:"name"`
		Version string         `toml:"version"`
		Source  map[string]any `toml:"source"`
		Sdist   *tomlHash      `toml:"sdist"`
		Wheels  []tomlHash     `toml:"wheels"`
		Files   []tomlHash     `toml:"files"`
	} `toml:"package"`
}

func parseTOMLLock(data []byte) ([]LockedPackage, error) {
	var doc tomlLock
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	pkgs := make([]LockedPackage, 0, len(doc.Package))
	for i, p := range doc.Package {
		if p.Name == "" {
			return nil, fmt.Errorf("%w: package entry %d has no name", ErrMalformed, i)
		}
		pkg := LockedPackage{
			Name:    p.Name,
			Version: p.Version,
			Source:  describeSource(p.Source),
		}
		if p.Sdist != nil && p.Sdist.Hash != "" {
			pkg.Hashes = append(pkg.Hashes, p.Sdist.Hash)
		}
		for _, h := range append(p.Wheels, p.Files...) {
			if h.Hash != "" {
				pkg.Hashes = append(pkg.Hashes, h.Hash)
			}
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}

// describeSource flattens a uv/poetry source table into one string.
func describeSource(src map[string]any) string {
	for _, key := range []string{"registry", "url", "git", "path", "editable", "virtual"} {
		if v, ok := src[key].(string); ok && v != "" {
			if key == "registry" || key == "url" {
				return v
			}
			return key + ":" + v
		}
	}
	return ""
}

// parsePinnedLock parses requirements-style pins:
//
//	requests==2.31.0 \
//	    --hash=sha256:...
func parsePinnedLock(data []byte) ([]LockedPackage, error) {
	var (
		pkgs    []LockedPackage
		pending strings.Builder
		lineNo  int
	)

	flush := func() error {
		line := strings.TrimSpace(pending.String())
		pending.Reset()
		if line == "" || strings.HasPrefix(line, "-") {
			return nil
		}
		pkg, err := parsePinnedLine(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		pkgs = append(pkgs, pkg)
		return nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		if strings.HasSuffix(strings.TrimSpace(line), `\`) {
			pending.WriteString(strings.TrimSuffix(strings.TrimSpace(line), `\`))
			pending.WriteByte(' ')
			continue
		}
		pending.WriteString(line)
		if err := flush(); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return pkgs, nil
}

func parsePinnedLine(line string) (LockedPackage, error) {
	var (
		reqParts []string
		hashes   []string
	)
	fields := strings.Fields(line)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch {
		case strings.HasPrefix(f, "--hash="):
			hashes = append(hashes, strings.TrimPrefix(f, "--hash="))
		case f == "--hash" && i+1 < len(fields):
			hashes = append(hashes, fields[i+1])
			i++
		default:
			reqParts = append(reqParts, f)
		}
	}

	req, err := ParseRequirement(strings.Join(reqParts, " "))
	if err != nil {
		return LockedPackage{}, err
	}
	version, ok := req.Pin()
	if !ok {
		return LockedPackage{}, fmt.Errorf("%w: %q is not pinned with ==", ErrMalformed, req.Raw)
	}
	return LockedPackage{Name: req.Name, Version: version, Hashes: hashes}, nil
}

// stripComment removes a trailing `#` comment. A `#` glued to a token (as in
// URL fragments) is kept.
func stripComment(line string) string {
	if strings.HasPrefix(strings.TrimSpace(line), "#") {
		return ""
	}
	if i := strings.Index(line, " #"); i >= 0 {
		return line[:i]
	}
	return line
}
