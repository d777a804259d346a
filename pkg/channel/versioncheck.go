package channel

import (
	"strings"
)

// CheckStatus is the outcome of a version check.
type CheckStatus string

const (
	StatusUpToDate CheckStatus = "UP_TO_DATE"
	StatusOutdated CheckStatus = "OUTDATED"
	StatusUnknown  CheckStatus = "UNKNOWN"
)

// VersionCheck reports how far behind an identifier is, and any security
// advisories that fired against it or the versions between it and the
// newest.
type VersionCheck struct {
	Status CheckStatus `json:"status"`

	Amount       int    `json:"amount"`
	AmountSource string `json:"amountSource"`
	AmountType   string `json:"amountType"`

	Insecure       bool     `json:"insecure"`
	SecurityIssues []string `json:"securityIssues"`
}

const boundPrefix = "<="

// checkVersion walks the upstream history via versionsBehind, which must
// invoke visit for every identifier it passes (the compared-to one
// included) and return its index, or -1 if the history doesn't reach it.
func (b *base) checkVersion(comparedTo string, versionsBehind func(comparedTo string, visit func(identifier string)) int, amountType func(amount int) string) VersionCheck {
	issues := []string{}
	insecure := false

	// Exact-match advisories fire only against the compared-to identifier.
	for _, sec := range b.cfg.Security {
		if sec.VersionIdentifier == comparedTo {
			issues = append(issues, sec.FailReason)
			insecure = insecure || sec.Vulnerability
		}
	}

	behind := versionsBehind(comparedTo, func(identifier string) {
		// Bound advisories fire against every version the walk visits
		// that equals their bound.
		for _, sec := range b.cfg.Security {
			bound, ok := strings.CutPrefix(sec.VersionIdentifier, boundPrefix)
			if !ok || identifier != bound {
				continue
			}
			issues = append(issues, sec.FailReason)
			insecure = insecure || sec.Vulnerability
		}
	})

	check := VersionCheck{
		Amount:         behind,
		AmountSource:   "GITHUB",
		AmountType:     amountType(behind),
		Insecure:       insecure,
		SecurityIssues: issues,
	}
	switch {
	case behind == -1:
		check.Status = StatusUnknown
	case behind == 0:
		check.Status = StatusUpToDate
	default:
		check.Status = StatusOutdated
	}
	return check
}
