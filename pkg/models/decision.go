// Package models contains domain types for ekaya-provenance.
package models

import "strings"

// Decision is the outcome of policy evaluation for a single upload.
type Decision string

const (
	DecisionAllow      Decision = "ALLOW"
	DecisionReview     Decision = "REVIEW"
	DecisionQuarantine Decision = "QUARANTINE"
	DecisionReject     Decision = "REJECT"
)

// Severity orders decisions: ALLOW < REVIEW < QUARANTINE < REJECT.
func (d Decision) Severity() int {
	switch d {
	case DecisionAllow:
		return 0
	case DecisionReview:
		return 1
	case DecisionQuarantine:
		return 2
	case DecisionReject:
		return 3
	default:
		return -1
	}
}

// IsValid returns true if d is one of the four known decisions.
func (d Decision) IsValid() bool {
	return d.Severity() >= 0
}

// MaxDecision returns the more severe of a and b.
func MaxDecision(a, b Decision) Decision {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// DecisionMode selects how the baseline decision is derived.
type DecisionMode string

const (
	ModeScoreFirst DecisionMode = "score_first"
	ModeLabelFirst DecisionMode = "label_first"
)

// ParseDecisionMode returns the mode and whether the input was recognised.
func ParseDecisionMode(s string) (DecisionMode, bool) {
	switch DecisionMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeScoreFirst, "":
		return ModeScoreFirst, true
	case ModeLabelFirst:
		return ModeLabelFirst, true
	default:
		return ModeScoreFirst, false
	}
}
