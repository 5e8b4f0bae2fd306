package capability

import "github.com/anvil-platform/capstan/internal/semver"

// Satisfies reports whether a provision can serve a requirement: the
// contract IDs must be equal and the provision's version must fall inside
// the requirement's range. Unparseable versions or constraints simply do not
// match; there is no error path.
func Satisfies(p Provision, r Requirement) bool {
	if p.ContractID != r.ContractID {
		return false
	}
	v, err := semver.ParseVersion(p.Version)
	if err != nil {
		return false
	}
	raw := r.VersionConstraint
	if raw == "" {
		raw = "*"
	}
	c, err := semver.ParseConstraint(raw)
	if err != nil {
		return false
	}
	return v.Satisfies(c)
}
