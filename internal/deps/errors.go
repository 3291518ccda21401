package deps

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrManifestMissing is returned when the manifest file does not exist.
	ErrManifestMissing = errors.New("manifest not found")

	// ErrLockMissing is returned when the lock file does not exist.
	ErrLockMissing = errors.New("lock file not found")

	// ErrMalformed is returned when a manifest or lock file cannot be parsed.
	ErrMalformed = errors.New("malformed dependency file")

	// ErrLockInconsistent is returned when the lock file does not pin every
	// manifest dependency, or pins a version the manifest excludes.
	ErrLockInconsistent = errors.New("lock file inconsistent with manifest")
)

// Unsatisfied records a locked version that falls outside the manifest's
// specifier for the same package.
type Unsatisfied struct {
	Requirement string `json:"requirement"`
	Locked      string `json:"locked"`
}

// InconsistencyError lists every mismatch found by Verify. It unwraps to
// ErrLockInconsistent.
type InconsistencyError struct {
	Missing     []string      `json:"missing,omitempty"`
	Unsatisfied []Unsatisfied `json:"unsatisfied,omitempty"`
}

func (e *InconsistencyError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "no locked entry for "+strings.Join(e.Missing, ", "))
	}
	for _, u := range e.Unsatisfied {
		parts = append(parts, fmt.Sprintf("locked %s does not satisfy %s", u.Locked, u.Requirement))
	}
	return fmt.Sprintf("%s: %s", ErrLockInconsistent, strings.Join(parts, "; "))
}

func (e *InconsistencyError) Unwrap() error {
	return ErrLockInconsistent
}
