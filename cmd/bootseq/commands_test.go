package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arc-framework/bootseq/internal/config"
	"arc-framework/bootseq/internal/deps"
	"arc-framework/bootseq/internal/sequencer"
)

func TestLaunchResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		code     int
		err      error
		wantCode int
		wantNil  bool
	}{
		{name: "clean exit", code: 0, wantCode: 0, wantNil: true},
		{name: "service exit code", code: 3, wantCode: 3},
		{name: "signalled", code: 143, wantCode: 143},
		{name: "entry point missing", code: 127, err: errors.New("exec: not found"), wantCode: 127},
		{name: "not prepared", code: 1, err: sequencer.ErrNotPrepared, wantCode: 1},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := launchResult(tc.code, tc.err)
			if tc.wantNil {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
			assert.Equal(t, tc.wantCode, exitCode(err))
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestExitCode_WrappedError(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("outer: %w", &exitCodeError{code: 42})
	assert.Equal(t, 42, exitCode(err))
	assert.Equal(t, 1, exitCode(errors.New("plain")))
	assert.Equal(t, "exit status 42", (&exitCodeError{code: 42}).Error())
}

func writeSource(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func TestVerify(t *testing.T) {
	t.Parallel()

	const manifest = "[project]\nname = \"svc\"\ndependencies = [\"requests>=2.30\"]\n"

	tests := []struct {
		name        string
		files       map[string]string
		wantStatus  string
		wantErr     error
		wantMissing []string
	}{
		{
			name: "consistent",
			files: map[string]string{
				"pyproject.toml": manifest,
				"uv.lock":        "version = 1\n\n[[package]]\nname = \"requests\"\nversion = \"2.31.0\"\n",
			},
			wantStatus: "ok",
		},
		{
			name: "missing pin",
			files: map[string]string{
				"pyproject.toml": manifest,
				"uv.lock":        "version = 1\n\n[[package]]\nname = \"idna\"\nversion = \"3.6\"\n",
			},
			wantStatus:  "error",
			wantErr:     deps.ErrLockInconsistent,
			wantMissing: []string{"requests"},
		},
		{
			name:       "lock missing",
			files:      map[string]string{"pyproject.toml": manifest},
			wantStatus: "error",
			wantErr:    deps.ErrLockMissing,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			seq := config.SequenceConfig{
				SourceDir:      writeSource(t, tc.files),
				Manifest:       "pyproject.toml",
				LockFile:       "uv.lock",
				InstallCommand: []string{"uv", "sync", "--frozen"},
			}
			res, err := verify(seq)
			require.NotNil(t, res)
			assert.Equal(t, tc.wantStatus, res.Status)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.NotEmpty(t, res.Error)
				assert.Equal(t, tc.wantMissing, res.Missing)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, res.Packages)
			assert.Equal(t, deps.FormatUV, res.Format)
			assert.NotEmpty(t, res.Digest)
		})
	}
}
