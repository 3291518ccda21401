package deps

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Requirement is a parsed PEP 508 dependency string such as
// `requests[socks]>=2.31,<3 ; python_version >= "3.8"`.
type Requirement struct {
	Raw       string   `json:"raw"`
	Name      string   `json:"name"`
	Extras    []string `json:"extras,omitempty"`
	Specifier string   `json:"specifier,omitempty"`
	Marker    string   `json:"marker,omitempty"`
	URL       string   `json:"url,omitempty"`

	// Alternatives holds the specifiers of poetry's multiple-constraint
	// form. A locked version satisfying any one of them is accepted.
	Alternatives []string `json:"alternatives,omitempty"`
}

// Key is the normalized package name used for lock lookups.
func (r Requirement) Key() string {
	return Normalize(r.Name)
}

var (
	nameRe      = regexp.MustCompile(`^([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)`)
	normalizeRe = regexp.MustCompile(`[-_.]+`)
)

// Normalize applies PEP 503 name normalization.
func Normalize(name string) string {
	return normalizeRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// ParseRequirement parses a PEP 508 requirement string.
func ParseRequirement(s string) (Requirement, error) {
	req := Requirement{Raw: strings.TrimSpace(s)}
	rest := req.Raw

	if i := strings.Index(rest, ";"); i >= 0 {
		req.Marker = strings.TrimSpace(rest[i+1:])
		rest = strings.TrimSpace(rest[:i])
	}

	m := nameRe.FindString(rest)
	if m == "" {
		return Requirement{}, fmt.Errorf("%w: requirement %q has no package name", ErrMalformed, s)
	}
	req.Name = m
	rest = strings.TrimSpace(rest[len(m):])

	if strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "]")
		if end < 0 {
			return Requirement{}, fmt.Errorf("%w: requirement %q has unterminated extras", ErrMalformed, s)
		}
		for _, extra := range strings.Split(rest[1:end], ",") {
			if extra = strings.TrimSpace(extra); extra != "" {
				req.Extras = append(req.Extras, extra)
			}
		}
		rest = strings.TrimSpace(rest[end+1:])
	}

	if strings.HasPrefix(rest, "@") {
		req.URL = strings.TrimSpace(rest[1:])
		return req, nil
	}

	rest = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(rest, "("), ")"))
	req.Specifier = strings.Join(strings.Fields(rest), "")
	return req, nil
}

// Pin returns the exact version of a single `==` (or `===`) clause.
func (r Requirement) Pin() (string, bool) {
	spec := r.Specifier
	if strings.Contains(spec, ",") {
		return "", false
	}
	for _, op := range []string{"===", "=="} {
		if strings.HasPrefix(spec, op) {
			v := strings.TrimPrefix(spec, op)
			if v == "" || strings.Contains(v, "*") {
				return "", false
			}
			return v, true
		}
	}
	return "", false
}

// Constraint translates the specifier into a semver constraint. It returns
// nil when the requirement has no specifier. Specifiers using PEP 440
// features with no semver counterpart return an error; callers treat those
// requirements as presence-only.
func (r Requirement) Constraint() (*semver.Constraints, error) {
	if r.Specifier == "" || r.Specifier == "*" {
		return nil, nil
	}

	var clauses []string
	for _, clause := range strings.Split(r.Specifier, ",") {
		translated, err := translateClause(strings.TrimSpace(clause))
		if err != nil {
			return nil, fmt.Errorf("requirement %q: %w", r.Raw, err)
		}
		clauses = append(clauses, translated...)
	}

	c, err := semver.NewConstraint(strings.Join(clauses, ", "))
	if err != nil {
		return nil, fmt.Errorf("requirement %q: %w", r.Raw, err)
	}
	return c, nil
}

// translateClause maps one PEP 440 (or poetry) clause onto semver syntax.
func translateClause(clause string) ([]string, error) {
	switch {
	case clause == "":
		return nil, nil
	case strings.HasPrefix(clause, "~="):
		return compatibleRelease(strings.TrimPrefix(clause, "~="))
	case strings.HasPrefix(clause, "==="):
		return []string{"=" + strings.TrimPrefix(clause, "===")}, nil
	case strings.HasPrefix(clause, "=="):
		return []string{"=" + strings.TrimPrefix(clause, "==")}, nil
	case strings.HasPrefix(clause, "!="),
		strings.HasPrefix(clause, ">="),
		strings.HasPrefix(clause, "<="),
		strings.HasPrefix(clause, ">"),
		strings.HasPrefix(clause, "<"),
		strings.HasPrefix(clause, "^"),
		strings.HasPrefix(clause, "~"),
		clause == "*":
		return []string{clause}, nil
	default:
		// Poetry allows a bare version meaning an exact match.
		if _, err := semver.NewVersion(clause); err == nil {
			return []string{"=" + clause}, nil
		}
		return nil, fmt.Errorf("unsupported specifier clause %q", clause)
	}
}

// compatibleRelease expands `~=X.Y[.Z]` into its PEP 440 bounds.
func compatibleRelease(v string) ([]string, error) {
	parts := strings.Split(v, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("compatible release %q needs at least two segments", v)
	}
	upper := make([]string, len(parts)-1)
	copy(upper, parts[:len(parts)-1])
	last, err := strconv.Atoi(upper[len(upper)-1])
	if err != nil {
		return nil, fmt.Errorf("compatible release %q: %w", v, err)
	}
	upper[len(upper)-1] = strconv.Itoa(last + 1)
	return []string{">=" + v, "<" + strings.Join(upper, ".")}, nil
}
