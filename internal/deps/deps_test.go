package deps

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pyprojectRequests = `
[project]
name = "svc"
version = "0.1.0"
requires-python = ">=3.11"
dependencies = [
    "requests",
]
`

const uvLockRequests = `
version = 1
requires-python = ">=3.11"

[[package]]
name = "requests"
version = "2.31.0"
source = { registry = "https://pypi.org/simple" }
sdist = { url = "https://files.example/requests-2.31.0.tar.gz", hash = "sha256:aaa", size = 110794 }
wheels = [
    { url = "https://files.example/requests-2.31.0-py3-none-any.whl", hash = "sha256:bbb", size = 62574 },
]

[[package]]
name = "svc"
version = "0.1.0"
source = { virtual = "." }
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Requests":          "requests",
		"zope.interface":    "zope-interface",
		"typing_extensions": "typing-extensions",
		"Foo__Bar-.baz":     "foo-bar-baz",
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), "normalize %q", in)
	}
}

func TestParseRequirement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in         string
		wantName   string
		wantExtras []string
		wantSpec   string
		wantMarker string
		wantURL    string
	}{
		{in: "requests", wantName: "requests"},
		{in: "requests==2.31.0", wantName: "requests", wantSpec: "==2.31.0"},
		{in: "requests[socks, security] >= 2.31, < 3", wantName: "requests", wantExtras: []string{"socks", "security"}, wantSpec: ">=2.31,<3"},
		{in: `uvicorn>=0.23 ; python_version >= "3.8"`, wantName: "uvicorn", wantSpec: ">=0.23", wantMarker: `python_version >= "3.8"`},
		{in: "loguru (>=0.7)", wantName: "loguru", wantSpec: ">=0.7"},
		{in: "pkg @ https://example.com/pkg.whl", wantName: "pkg", wantURL: "https://example.com/pkg.whl"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			req, err := ParseRequirement(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.wantName, req.Name)
			assert.Equal(t, tc.wantExtras, req.Extras)
			assert.Equal(t, tc.wantSpec, req.Specifier)
			assert.Equal(t, tc.wantMarker, req.Marker)
			assert.Equal(t, tc.wantURL, req.URL)
		})
	}
}

func TestParseRequirement_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", ">=1.0", "pkg[extra"} {
		_, err := ParseRequirement(in)
		assert.ErrorIs(t, err, ErrMalformed, "input %q", in)
	}
}

func TestRequirementConstraint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		spec    string
		version string
		want    bool
	}{
		{spec: ">=2.31,<3", version: "2.31.0", want: true},
		{spec: ">=2.31,<3", version: "3.0.0", want: false},
		{spec: "==2.31.0", version: "2.31.0", want: true},
		{spec: "==2.31.0", version: "2.32.0", want: false},
		{spec: "~=2.31", version: "2.99.1", want: true},
		{spec: "~=2.31", version: "3.0.0", want: false},
		{spec: "~=2.31.0", version: "2.31.5", want: true},
		{spec: "~=2.31.0", version: "2.32.0", want: false},
		{spec: "!=2.30.0", version: "2.31.0", want: true},
		{spec: "^2.31", version: "2.40.0", want: true},
		{spec: "^2.31", version: "3.0.0", want: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.spec+"/"+tc.version, func(t *testing.T) {
			t.Parallel()
			req := Requirement{Raw: "pkg" + tc.spec, Name: "pkg", Specifier: tc.spec}
			assert.Equal(t, tc.want, satisfies(req, tc.version))
		})
	}
}

func TestRequirementConstraint_Unsupported(t *testing.T) {
	t.Parallel()

	req := Requirement{Raw: "pkg~=1", Name: "pkg", Specifier: "~=1"}
	_, err := req.Constraint()
	assert.Error(t, err)
	// Untranslatable specifiers degrade to a presence check.
	assert.True(t, satisfies(req, "7.0.0"))
}

func TestParseManifest_PEP621(t *testing.T) {
	t.Parallel()

	m, err := ParseManifest([]byte(pyprojectRequests))
	require.NoError(t, err)
	assert.Equal(t, "svc", m.Name)
	assert.Equal(t, "0.1.0", m.Version)
	require.Len(t, m.Requirements, 1)
	assert.Equal(t, "requests", m.Requirements[0].Name)
}

func TestParseManifest_Poetry(t *testing.T) {
	t.Parallel()

	body := `
[tool.poetry]
name = "svc"
version = "1.0.0"

[tool.poetry.dependencies]
python = "^3.11"
fastapi = "^0.110"
uvicorn = { version = "^0.29", extras = ["standard"] }
`
	m, err := ParseManifest([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "svc", m.Name)
	require.Len(t, m.Requirements, 2)
	assert.Equal(t, "fastapi", m.Requirements[0].Name)
	assert.Equal(t, "^0.110", m.Requirements[0].Specifier)
	assert.Equal(t, "uvicorn", m.Requirements[1].Name)
	assert.Equal(t, []string{"standard"}, m.Requirements[1].Extras)
}

func TestParseManifest_PoetryMultipleConstraints(t *testing.T) {
	t.Parallel()

	body := `
[tool.poetry]
name = "svc"

[tool.poetry.dependencies]
python = "^3.8"
foo = [
  { version = "<=1.9", python = "<3.8" },
  { version = "^2.0", python = ">=3.8", extras = ["fast"] },
]
`
	m, err := ParseManifest([]byte(body))
	require.NoError(t, err)
	require.Len(t, m.Requirements, 1)

	req := m.Requirements[0]
	assert.Equal(t, "foo", req.Name)
	assert.Equal(t, []string{"<=1.9", "^2.0"}, req.Alternatives)
	assert.Equal(t, []string{"fast"}, req.Extras)
	assert.Equal(t, "foo <=1.9 || ^2.0", req.Raw)

	tests := []struct {
		locked string
		want   bool
	}{
		{"1.5.0", true},
		{"2.3.1", true},
		{"1.10.0", false},
		{"3.0.0", false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.locked, func(t *testing.T) {
			t.Parallel()

			lock := &Lock{Packages: []LockedPackage{{Name: "foo", Version: tc.locked}}}
			err := Verify(m, lock)
			if tc.want {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrLockInconsistent)
			}
		})
	}
}

func TestParseManifest_PoetryBadConstraintList(t *testing.T) {
	t.Parallel()

	for _, deps := range []string{`foo = []`, `foo = ["^1.0"]`} {
		_, err := ParseManifest([]byte("[tool.poetry.dependencies]\n" + deps + "\n"))
		assert.ErrorIs(t, err, ErrMalformed, deps)
	}
}

func TestParseManifest_Malformed(t *testing.T) {
	t.Parallel()

	_, err := ParseManifest([]byte("[project\nname = "))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLoadManifest_Missing(t *testing.T) {
	t.Parallel()

	_, err := LoadManifest(filepath.Join(t.TempDir(), "pyproject.toml"))
	assert.ErrorIs(t, err, ErrManifestMissing)
}

func TestLoadLock_UV(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "uv.lock", uvLockRequests)
	l, err := LoadLock(path)
	require.NoError(t, err)

	assert.Equal(t, FormatUV, l.Format)
	require.Len(t, l.Packages, 2)

	pkg, ok := l.Lookup("Requests")
	require.True(t, ok)
	assert.Equal(t, "2.31.0", pkg.Version)
	assert.Equal(t, "https://pypi.org/simple", pkg.Source)
	assert.Equal(t, []string{"sha256:aaa", "sha256:bbb"}, pkg.Hashes)

	self, ok := l.Lookup("svc")
	require.True(t, ok)
	assert.Equal(t, "virtual:.", self.Source)
}

func TestLoadLock_Poetry(t *testing.T) {
	t.Parallel()

	body := `
[[package]]
name = "fastapi"
version = "0.110.1"
description = "FastAPI framework"
optional = false
python-versions = ">=3.8"
files = [
    {file = "fastapi-0.110.1-py3-none-any.whl", hash = "sha256:ccc"},
]

[metadata]
lock-version = "2.0"
content-hash = "deadbeef"
`
	path := writeFile(t, t.TempDir(), "poetry.lock", body)
	l, err := LoadLock(path)
	require.NoError(t, err)

	assert.Equal(t, FormatPoetry, l.Format)
	pkg, ok := l.Lookup("fastapi")
	require.True(t, ok)
	assert.Equal(t, "0.110.1", pkg.Version)
	assert.Equal(t, []string{"sha256:ccc"}, pkg.Hashes)
}

func TestLoadLock_Pinned(t *testing.T) {
	t.Parallel()

	body := `# generated
--index-url https://pypi.org/simple
requests==2.31.0 \
    --hash=sha256:aaa \
    --hash=sha256:bbb
certifi==2023.7.22 ; python_version >= "3.7"  # via requests
-e .
`
	path := writeFile(t, t.TempDir(), "requirements.lock", body)
	l, err := LoadLock(path)
	require.NoError(t, err)

	assert.Equal(t, FormatPinned, l.Format)
	require.Len(t, l.Packages, 2)
	assert.Equal(t, LockedPackage{Name: "requests", Version: "2.31.0", Hashes: []string{"sha256:aaa", "sha256:bbb"}}, l.Packages[0])
	assert.Equal(t, "certifi", l.Packages[1].Name)
	assert.Equal(t, "2023.7.22", l.Packages[1].Version)
}

func TestLoadLock_PinnedRejectsRanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "requirements.lock", "requests>=2.31\n")
	_, err := LoadLock(path)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLoadLock_Missing(t *testing.T) {
	t.Parallel()

	_, err := LoadLock(filepath.Join(t.TempDir(), "uv.lock"))
	assert.ErrorIs(t, err, ErrLockMissing)
}

func TestLoadLock_MalformedTOML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "uv.lock", "[[package]\nname=")
	_, err := LoadLock(path)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestVerify(t *testing.T) {
	t.Parallel()

	lock := &Lock{Packages: []LockedPackage{
		{Name: "requests", Version: "2.31.0"},
		{Name: "Typing_Extensions", Version: "4.9.0"},
	}}

	tests := []struct {
		name            string
		deps            []string
		wantMissing     []string
		wantUnsatisfied int
	}{
		{name: "consistent", deps: []string{"requests"}},
		{name: "normalized names match", deps: []string{"typing-extensions>=4"}},
		{name: "specifier satisfied", deps: []string{"requests>=2.31,<3"}},
		{name: "missing entry", deps: []string{"requests", "loguru"}, wantMissing: []string{"loguru"}},
		{name: "specifier excluded", deps: []string{"requests>=3"}, wantUnsatisfied: 1},
		{name: "pin mismatch", deps: []string{"requests==2.30.0"}, wantUnsatisfied: 1},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := &Manifest{}
			for _, d := range tc.deps {
				req, err := ParseRequirement(d)
				require.NoError(t, err)
				m.Requirements = append(m.Requirements, req)
			}

			err := Verify(m, lock)
			if tc.wantMissing == nil && tc.wantUnsatisfied == 0 {
				assert.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, ErrLockInconsistent)
			var inc *InconsistencyError
			require.ErrorAs(t, err, &inc)
			assert.Equal(t, tc.wantMissing, inc.Missing)
			assert.Len(t, inc.Unsatisfied, tc.wantUnsatisfied)
		})
	}
}

func TestVerify_LockWithoutRequests(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m, err := LoadManifest(writeFile(t, dir, "pyproject.toml", pyprojectRequests))
	require.NoError(t, err)
	l, err := LoadLock(writeFile(t, dir, "requirements.lock", "idna==3.6\n"))
	require.NoError(t, err)

	err = Verify(m, l)
	require.ErrorIs(t, err, ErrLockInconsistent)
	assert.Contains(t, err.Error(), "requests")
}

func TestDigest(t *testing.T) {
	t.Parallel()

	cmd := []string{"uv", "sync", "--frozen"}
	a := DigestOf([]byte("m"), []byte("l"), cmd)

	assert.Equal(t, a, DigestOf([]byte("m"), []byte("l"), cmd), "identical inputs")
	assert.NotEqual(t, a, DigestOf([]byte("m2"), []byte("l"), cmd), "manifest change")
	assert.NotEqual(t, a, DigestOf([]byte("m"), []byte("l2"), cmd), "lock change")
	assert.NotEqual(t, a, DigestOf([]byte("m"), []byte("l"), []string{"uv", "sync"}), "command change")
	assert.NotEqual(t, DigestOf([]byte("ml"), nil, nil), DigestOf([]byte("m"), []byte("l"), nil), "field boundaries")
	assert.Contains(t, string(a), "sha256:")
}

func TestComputeDigest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mp := writeFile(t, dir, "pyproject.toml", pyprojectRequests)
	lp := writeFile(t, dir, "uv.lock", uvLockRequests)

	d, err := ComputeDigest(mp, lp, []string{"uv"})
	require.NoError(t, err)
	assert.Equal(t, DigestOf([]byte(pyprojectRequests), []byte(uvLockRequests), []string{"uv"}), d)

	_, err = ComputeDigest(filepath.Join(dir, "nope"), lp, nil)
	assert.Error(t, err)
}
