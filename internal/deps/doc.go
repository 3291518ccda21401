// Package deps reads the two build inputs of the dependency stage, the
// project manifest (pyproject.toml) and its lock file, and checks that they
// agree before any install command runs.
//
// Three lock dialects are understood:
//
//   - uv.lock and pdm.lock: TOML with [[package]] tables carrying name,
//     version, source and sdist/wheel hashes.
//   - poetry.lock: TOML with [[package]] tables carrying name, version and
//     files[].hash.
//   - pinned requirements (requirements.lock, *.txt): one name==version per
//     line, optionally followed by --hash options.
//
// Package names are compared after PEP 503 normalization.
package deps
