package ignore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcher_Excluded(t *testing.T) {
	t.Parallel()

	m, err := Parse(strings.NewReader(`
# caches
**/__pycache__
*.pyc
!keep.pyc
build/
/docs/*.md
.git
`))
	require.NoError(t, err)
	assert.Equal(t, 6, m.Len())

	tests := []struct {
		rel   string
		isDir bool
		want  bool
	}{
		{rel: "__pycache__", isDir: true, want: true},
		{rel: "pkg/__pycache__", isDir: true, want: true},
		{rel: "mod.pyc", want: true},
		{rel: "keep.pyc", want: false},
		{rel: "pkg/mod.pyc", want: false},
		{rel: "build", isDir: true, want: true},
		{rel: "build", isDir: false, want: false},
		{rel: "docs/index.md", want: true},
		{rel: "docs/api/index.md", want: false},
		{rel: ".git", isDir: true, want: true},
		{rel: "app.py", want: false},
		{rel: "./app.py", want: false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, m.Excluded(tc.rel, tc.isDir), "path %q dir=%v", tc.rel, tc.isDir)
	}
}

func TestMatcher_NilExcludesNothing(t *testing.T) {
	t.Parallel()

	var m *Matcher
	assert.False(t, m.Excluded("anything", false))
	assert.Equal(t, 0, m.Len())
}

func TestLoad(t *testing.T) {
	t.Parallel()

	m, err := Load("")
	require.NoError(t, err)
	assert.False(t, m.Excluded(".git", true))

	_, err = Load(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), ".bootseqignore")
	require.NoError(t, os.WriteFile(path, []byte("*.log\n"), 0o644))
	m, err = Load(path)
	require.NoError(t, err)
	assert.True(t, m.Excluded("debug.log", false))
}

func TestParse_InvalidPattern(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader("[unterminated\n"))
	assert.Error(t, err)
}
