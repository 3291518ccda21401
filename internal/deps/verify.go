package deps

import (
	"github.com/Masterminds/semver/v3"
)

// Verify checks that every manifest requirement has a locked entry and that
// the locked version satisfies the requirement's specifier. Specifiers or
// versions that do not map onto semantic versions are checked for presence
// only. A nil error means the pair is consistent.
func Verify(m *Manifest, l *Lock) error {
	inconsistent := &InconsistencyError{}

	for _, req := range m.Requirements {
		pkg, ok := l.Lookup(req.Name)
		if !ok {
			inconsistent.Missing = append(inconsistent.Missing, req.Key())
			continue
		}
		if !satisfies(req, pkg.Version) {
			inconsistent.Unsatisfied = append(inconsistent.Unsatisfied, Unsatisfied{
				Requirement: req.Raw,
				Locked:      pkg.Name + "==" + pkg.Version,
			})
		}
	}

	if len(inconsistent.Missing) == 0 && len(inconsistent.Unsatisfied) == 0 {
		return nil
	}
	return inconsistent
}

func satisfies(req Requirement, version string) bool {
	if len(req.Alternatives) > 0 {
		for _, alt := range req.Alternatives {
			one := req
			one.Alternatives = nil
			one.Specifier = alt
			if satisfies(one, version) {
				return true
			}
		}
		return false
	}
	if pin, ok := req.Pin(); ok && pin == version {
		return true
	}
	c, err := req.Constraint()
	if err != nil || c == nil {
		return true
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return true
	}
	return c.Check(v)
}
