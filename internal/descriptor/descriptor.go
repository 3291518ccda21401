// Package descriptor renders the container build descriptor equivalent to a
// bootseq build, keeping the layer-cache-friendly order: dependency inputs
// and install first, application source after.
package descriptor

import (
	"encoding/json"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"text/template"

	"arc-framework/bootseq/internal/config"
)

// Dockerfile is the descriptor template.
const Dockerfile = `FROM {{.Base}}
WORKDIR {{.Workdir}}
{{if and (flat .Manifest) (flat .LockFile)}}COPY {{.Manifest}} {{.LockFile}} ./
{{else}}COPY {{.Manifest}} ./{{base .Manifest}}
COPY {{.LockFile}} ./{{base .LockFile}}
{{end}}RUN {{json .InstallCommand}}
COPY . .
RUN ["mkdir", "-p", {{json .LogDir}}]
EXPOSE {{.Port}}
CMD {{json .Entrypoint}}
`

var tmpl = template.Must(template.New("Dockerfile").Funcs(template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"base": path.Base,
	"flat": func(p string) bool { return !strings.Contains(p, "/") },
}).Parse(Dockerfile))

// Descriptor holds the values substituted into the template.
type Descriptor struct {
	Base           string
	Workdir        string
	Manifest       string
	LockFile       string
	InstallCommand []string
	LogDir         string
	Port           int
	Entrypoint     []string
}

// FromConfig derives a Descriptor from the sequence and image settings.
// Manifest and lock keep their paths relative to the source directory, which
// is the descriptor's build context; both land in the workdir under their
// base names, as a bootseq build stages them.
func FromConfig(seq config.SequenceConfig, img config.ImageConfig) Descriptor {
	workdir := filepath.ToSlash(seq.Workdir)
	if !path.IsAbs(workdir) {
		workdir = path.Join("/", workdir)
	}
	return Descriptor{
		Base:           img.Base,
		Workdir:        workdir,
		Manifest:       contextPath(seq.Manifest),
		LockFile:       contextPath(seq.LockFile),
		InstallCommand: seq.InstallCommand,
		LogDir:         filepath.ToSlash(seq.LogDir),
		Port:           seq.Port,
		Entrypoint:     seq.Entrypoint,
	}
}

// Render writes the descriptor to w.
func Render(w io.Writer, d Descriptor) error {
	if d.Base == "" {
		d.Base = "scratch"
	}
	if len(d.InstallCommand) == 0 || len(d.Entrypoint) == 0 {
		return fmt.Errorf("descriptor needs an install command and an entrypoint")
	}
	if err := tmpl.Execute(w, d); err != nil {
		return fmt.Errorf("rendering Dockerfile: %w", err)
	}
	return nil
}

// contextPath maps a source-relative path onto a build-context path.
// Absolute paths lie outside the context; only their base name is kept.
func contextPath(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Base(p)
	}
	return path.Clean(filepath.ToSlash(p))
}
