package worker

import (
	"cmp"
	"slices"
	"strings"
)

// RedactedPlaceholder replaces every secret found by a Redactor.
const RedactedPlaceholder = "[REDACTED]"

// Redactor hides known secret values in strings by exact substring match.
type Redactor struct {
	secrets []string
}

// NewRedactor builds a Redactor for the non-empty values in secrets.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		if s != "" && !slices.Contains(r.secrets, s) {
			r.secrets = append(r.secrets, s)
		}
	}
	// Longest first so a secret containing another is replaced whole.
	slices.SortStableFunc(r.secrets, func(a, b string) int { return cmp.Compare(len(b), len(a)) })
	return r
}

// Redact returns s with every secret replaced by RedactedPlaceholder.
func (r *Redactor) Redact(s string) string {
	if r == nil {
		return s
	}
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, RedactedPlaceholder)
	}
	return s
}
