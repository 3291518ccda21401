// Package image turns a prepared working directory into an OCI image whose
// config carries the same contract as the build: working directory, declared
// port and entry point.
package image

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/google/go-containerregistry/pkg/crane"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/sony/gobreaker"
)

// Label keys written into the image config.
const (
	LabelBuildID    = "dev.bootseq.build-id"
	LabelLockDigest = "dev.bootseq.lock-digest"
)

// Options describes one export.
type Options struct {
	// Root is the prepared working directory on disk.
	Root string
	// Path is where Root lives inside the image, e.g. /app.
	Path string
	// Base is the base image reference. Empty or "scratch" means no base.
	Base         string
	OS           string
	Architecture string

	Port       int
	Entrypoint []string
	// LogDir is the log directory inside the image.
	LogDir string

	BuildID    string
	LockDigest string

	Tags   []string
	Output string
	Push   bool
}

// Result summarizes a finished export.
type Result struct {
	Digest string   `json:"digest"`
	Tags   []string `json:"tags"`
	Output string   `json:"output,omitempty"`
	Pushed bool     `json:"pushed"`
}

// Exporter builds images and writes or pushes them. Registry calls go
// through the circuit breaker.
type Exporter struct {
	cb   *gobreaker.CircuitBreaker
	pull func(ref string, opts ...crane.Option) (v1.Image, error)
	push func(img v1.Image, ref string, opts ...crane.Option) error
}

func NewExporter(cb *gobreaker.CircuitBreaker) *Exporter {
	return &Exporter{
		cb:   cb,
		pull: crane.Pull,
		push: crane.Push,
	}
}

// Build assembles the image. The returned cleanup removes the temporary layer
// file and must be called once the image is no longer read.
func (e *Exporter) Build(ctx context.Context, opts Options) (v1.Image, func(), error) {
	noop := func() {}

	base, err := e.baseImage(ctx, opts)
	if err != nil {
		return nil, noop, err
	}

	layerFile, err := os.CreateTemp("", "bootseq-layer-*.tar")
	if err != nil {
		return nil, noop, fmt.Errorf("creating layer file: %w", err)
	}
	cleanup := func() { os.Remove(layerFile.Name()) } //nolint:errcheck

	if err := writeLayerTar(layerFile, opts.Root, opts.Path); err != nil {
		layerFile.Close() //nolint:errcheck
		cleanup()
		return nil, noop, fmt.Errorf("packing %s: %w", opts.Root, err)
	}
	if err := layerFile.Close(); err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("closing layer file: %w", err)
	}

	layer, err := tarball.LayerFromFile(layerFile.Name(), tarball.WithCompressedCaching)
	if err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("create layer from tar: %w", err)
	}

	img, err := mutate.Append(base, mutate.Addendum{Layer: layer})
	if err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("create image from layer: %w", err)
	}

	cf, err := img.ConfigFile()
	if err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("reading config file: %w", err)
	}
	cf = cf.DeepCopy()
	applyContract(cf, opts)

	img, err = mutate.ConfigFile(img, cf)
	if err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("setting config file: %w", err)
	}
	return img, cleanup, nil
}

// Export builds the image, saves it to opts.Output when set and pushes every
// tag when opts.Push is set.
func (e *Exporter) Export(ctx context.Context, opts Options) (*Result, error) {
	if (opts.Output != "" || opts.Push) && len(opts.Tags) == 0 {
		return nil, fmt.Errorf("output or push requested but no tags are set")
	}

	img, cleanup, err := e.Build(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	digest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}
	res := &Result{Digest: digest.String(), Tags: opts.Tags}

	if opts.Output != "" {
		slog.InfoContext(ctx, "writing tagged image to disk", "path", opts.Output, "tags", opts.Tags)
		m := make(map[string]v1.Image, len(opts.Tags))
		for _, tag := range opts.Tags {
			m[tag] = img
		}
		if err := crane.MultiSave(m, opts.Output); err != nil {
			return nil, fmt.Errorf("dump to %s: %w", opts.Output, err)
		}
		res.Output = opts.Output
	}

	if opts.Push {
		for _, ref := range opts.Tags {
			slog.InfoContext(ctx, "pushing image", "reference", ref)
			_, err := e.cb.Execute(func() (any, error) {
				return nil, e.push(img, ref, crane.WithContext(ctx))
			})
			if err != nil {
				return nil, fmt.Errorf("push %s: %w", ref, err)
			}
		}
		res.Pushed = true
	}

	return res, nil
}

func (e *Exporter) baseImage(ctx context.Context, opts Options) (v1.Image, error) {
	if opts.Base == "" || opts.Base == "scratch" {
		return empty.Image, nil
	}

	platform := &v1.Platform{OS: opts.OS, Architecture: opts.Architecture}
	res, err := e.cb.Execute(func() (any, error) {
		return e.pull(opts.Base, crane.WithContext(ctx), crane.WithPlatform(platform))
	})
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", opts.Base, err)
	}
	return res.(v1.Image), nil
}

// applyContract writes the working directory, declared port, command and
// informational environment into cf.
func applyContract(cf *v1.ConfigFile, opts Options) {
	if opts.OS != "" {
		cf.OS = opts.OS
	}
	if opts.Architecture != "" {
		cf.Architecture = opts.Architecture
	}

	workdir := path.Clean("/" + opts.Path)
	cf.Config.WorkingDir = workdir
	if opts.Port > 0 {
		if cf.Config.ExposedPorts == nil {
			cf.Config.ExposedPorts = map[string]struct{}{}
		}
		cf.Config.ExposedPorts[strconv.Itoa(opts.Port)+"/tcp"] = struct{}{}
	}
	cf.Config.Entrypoint = nil
	cf.Config.Cmd = append([]string(nil), opts.Entrypoint...)

	logDir := opts.LogDir
	if logDir != "" && !path.IsAbs(logDir) {
		logDir = path.Join(workdir, logDir)
	}
	cf.Config.Env = setEnv(cf.Config.Env, "PORT", strconv.Itoa(opts.Port))
	if logDir != "" {
		cf.Config.Env = setEnv(cf.Config.Env, "LOG_DIR", logDir)
	}

	if cf.Config.Labels == nil {
		cf.Config.Labels = map[string]string{}
	}
	if opts.BuildID != "" {
		cf.Config.Labels[LabelBuildID] = opts.BuildID
	}
	if opts.LockDigest != "" {
		cf.Config.Labels[LabelLockDigest] = opts.LockDigest
	}
}

func setEnv(env []string, key, val string) []string {
	for i, kv := range env {
		if strings.HasPrefix(kv, key+"=") {
			env[i] = key + "=" + val
			return env
		}
	}
	return append(env, key+"="+val)
}
