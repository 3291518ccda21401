package deps

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Manifest is the dependency-relevant subset of a pyproject.toml.
type Manifest struct {
	Path         string        `json:"path"`
	Name         string        `json:"name,omitempty"`
	Version      string        `json:"version,omitempty"`
	Requirements []Requirement `json:"requirements"`
}

type pyproject struct {
	Project struct {
		Name         string   `toml:"name"`
		Version      string   `toml:"version"`
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Name         string         `toml:"name"`
			Version      string         `toml:"version"`
			Dependencies map[string]any `toml:"dependencies"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

// LoadManifest reads and parses the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrManifestMissing, path)
		}
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// ParseManifest parses pyproject.toml content. PEP 621 [project] metadata is
// preferred; [tool.poetry] is used when [project] declares no dependencies.
func ParseManifest(data []byte) (*Manifest, error) {
	var doc pyproject
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m := &Manifest{
		Name:    doc.Project.Name,
		Version: doc.Project.Version,
	}

	for _, raw := range doc.Project.Dependencies {
		req, err := ParseRequirement(raw)
		if err != nil {
			return nil, err
		}
		m.Requirements = append(m.Requirements, req)
	}

	if len(m.Requirements) == 0 && len(doc.Tool.Poetry.Dependencies) > 0 {
		if m.Name == "" {
			m.Name = doc.Tool.Poetry.Name
			m.Version = doc.Tool.Poetry.Version
		}
		reqs, err := poetryRequirements(doc.Tool.Poetry.Dependencies)
		if err != nil {
			return nil, err
		}
		m.Requirements = reqs
	}

	return m, nil
}

// poetryRequirements converts [tool.poetry.dependencies] into requirements,
// sorted by name. The interpreter constraint under "python" is skipped.
func poetryRequirements(table map[string]any) ([]Requirement, error) {
	names := make([]string, 0, len(table))
	for name := range table {
		if strings.EqualFold(name, "python") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	reqs := make([]Requirement, 0, len(names))
	for _, name := range names {
		req := Requirement{Name: name}
		switch v := table[name].(type) {
		case string:
			req.Specifier = strings.Join(strings.Fields(v), "")
		case map[string]any:
			req.Specifier = poetryVersion(v)
			req.Extras = poetryExtras(v)
		case []any:
			// Multiple constraints, one table per python or platform marker.
			if len(v) == 0 {
				return nil, fmt.Errorf("%w: poetry dependency %q has an empty constraint list", ErrMalformed, name)
			}
			for i, alt := range v {
				table, ok := alt.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("%w: poetry dependency %q constraint %d is %T, not a table", ErrMalformed, name, i, alt)
				}
				req.Alternatives = append(req.Alternatives, poetryVersion(table))
				for _, e := range poetryExtras(table) {
					if !slices.Contains(req.Extras, e) {
						req.Extras = append(req.Extras, e)
					}
				}
			}
		default:
			return nil, fmt.Errorf("%w: poetry dependency %q has unsupported value %T", ErrMalformed, name, v)
		}
		req.Raw = strings.TrimSpace(name + " " + req.Specifier)
		if len(req.Alternatives) > 0 {
			req.Raw = name + " " + strings.Join(req.Alternatives, " || ")
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func poetryVersion(table map[string]any) string {
	s, _ := table["version"].(string)
	return strings.Join(strings.Fields(s), "")
}

func poetryExtras(table map[string]any) []string {
	var out []string
	extras, _ := table["extras"].([]any)
	for _, e := range extras {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
