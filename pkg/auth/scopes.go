package auth

import (
	"sort"
	"strings"

	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
)

// Scopes understood by the service.
const (
	ScopeIngest            = "decisions:write"
	ScopeLedgerRead        = "ledger:read"
	ScopeLedgerWrite       = "ledger:write"
	ScopeCertificatesRead  = "certificates:read"
	ScopeEvidenceInternal  = "evidence:internal"
	ScopeEvidenceDSP       = "evidence:dsp"
	ScopeEvidenceRegulator = "evidence:regulator"
)

// audienceScopes maps each evidence audience to the scope that grants it.
var audienceScopes = map[models.Audience]string{
	models.AudienceInternal:  ScopeEvidenceInternal,
	models.AudienceDSP:       ScopeEvidenceDSP,
	models.AudienceRegulator: ScopeEvidenceRegulator,
}

var knownScopes = map[string]struct{}{
	ScopeIngest:            {},
	ScopeLedgerRead:        {},
	ScopeLedgerWrite:       {},
	ScopeCertificatesRead:  {},
	ScopeEvidenceInternal:  {},
	ScopeEvidenceDSP:       {},
	ScopeEvidenceRegulator: {},
}

// ScopeSet is a parsed, de-duplicated set of known scopes.
type ScopeSet map[string]struct{}

// ParseScopes splits a space-delimited scope claim. Scopes the service does
// not recognise are dropped.
func ParseScopes(scope string) ScopeSet {
	set := make(ScopeSet)
	for _, s := range strings.Fields(scope) {
		if _, ok := knownScopes[s]; ok {
			set[s] = struct{}{}
		}
	}
	return set
}

// Has reports whether scope is present.
func (s ScopeSet) Has(scope string) bool {
	_, ok := s[scope]
	return ok
}

// List returns the scopes in sorted order.
func (s ScopeSet) List() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Audiences returns the evidence audiences granted by the set, most
// privileged first (INTERNAL, REGULATOR, DSP).
func (s ScopeSet) Audiences() []models.Audience {
	var out []models.Audience
	for _, a := range []models.Audience{models.AudienceInternal, models.AudienceRegulator, models.AudienceDSP} {
		if s.Has(audienceScopes[a]) {
			out = append(out, a)
		}
	}
	return out
}

// AudienceScope returns the scope that grants an audience.
func AudienceScope(a models.Audience) string {
	return audienceScopes[a]
}
