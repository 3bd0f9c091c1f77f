// Package policy implements the deterministic decision engine.
//
// Evaluate is a pure function of the signals and the resolved profile: the same
// inputs always produce the same decision, rule list and rationale text. Inputs
// are clamped rather than rejected, so a decision is always produced.
package policy

import (
	"math"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
)

// MinCleanIdentityConfidence is the identity confidence required for a clean ALLOW.
const MinCleanIdentityConfidence = 40.0

// Rule identifiers recorded in TriggeredRules.
const (
	RuleBaselineLabel              = "baseline_label"
	RuleBaselineScoreReject        = "baseline_score_reject"
	RuleBaselineScoreQuarantine    = "baseline_score_quarantine"
	RuleBaselineScoreReview        = "baseline_score_review"
	RuleBaselineScoreAllow         = "baseline_score_allow"
	RuleBaselineScoreUnclean       = "baseline_score_unclean"
	RuleGuardPriorReject           = "guardrail_prior_reject"
	RuleGuardPriorQuarantine       = "guardrail_prior_quarantine"
	RuleGuardLowAnomaly            = "guardrail_low_anomaly"
	RuleGuardSynthetic             = "guardrail_synthetic"
	RuleGuardExtremeRiskReject     = "guardrail_extreme_risk_reject"
	RuleGuardExtremeRiskQuarantine = "guardrail_extreme_risk_quarantine"
	RuleDeescalateHighAssurance    = "deescalation_high_assurance"
)

// Reason codes recorded in ReasonCodes.
const (
	ReasonPrimaryLabel          = "PRIMARY_LABEL"
	ReasonRiskAboveReject       = "RISK_ABOVE_REJECT"
	ReasonRiskAboveQuarantine   = "RISK_ABOVE_QUARANTINE"
	ReasonRiskAboveReview       = "RISK_ABOVE_REVIEW"
	ReasonSignalsClean          = "SIGNALS_CLEAN"
	ReasonSignalsNotClean       = "SIGNALS_NOT_CLEAN"
	ReasonAnomalyBelowThreshold = "ANOMALY_BELOW_THRESHOLD"
	ReasonSyntheticLikely       = "SYNTHETIC_LIKELY"
	ReasonLowIdentityConfidence = "LOW_IDENTITY_CONFIDENCE"
	ReasonNoPriorSightings      = "NO_PRIOR_SIGHTINGS"
	ReasonPriorReject           = "PRIOR_REJECT"
	ReasonPriorQuarantine       = "PRIOR_QUARANTINE"
	ReasonExtremeRisk           = "EXTREME_RISK"
	ReasonHighAssurance         = "HIGH_ASSURANCE"
)

// Step records one rule that changed the decision.
type Step struct {
	Rule string          `json:"rule"`
	From models.Decision `json:"from"`
	To   models.Decision `json:"to"`
}

// Result is the engine's output.
type Result struct {
	Decision         models.Decision     `json:"decision"`
	BaselineDecision models.Decision     `json:"baseline_decision"`
	TriggeredRules   []string            `json:"triggered_rules"`
	ReasonCodes      []string            `json:"reason_codes"`
	Rationale        string              `json:"rationale"`
	PolicyVersion    string              `json:"policy_version"`
	Mode             models.DecisionMode `json:"mode"`
	Thresholds       models.Thresholds   `json:"thresholds"`
	Steps            []Step              `json:"steps"`
}

// Engine evaluates signals against a policy profile.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a policy engine. The logger only receives configuration warnings.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger.Named("policy")}
}

// evaluation carries the intermediate state of a single Evaluate call.
type evaluation struct {
	sig        models.Signals
	th         models.Thresholds
	mode       models.DecisionMode
	version    string
	decision   models.Decision
	baseline   models.Decision
	labelBased bool
	rules      []string
	reasons    []string
	steps      []Step
}

// Evaluate renders a decision. profile may be nil, in which case the built-in
// profile is used.
func (e *Engine) Evaluate(signals models.Signals, profile *models.PolicyProfile) Result {
	if profile == nil {
		profile = models.BuiltinPolicyProfile()
	}

	ev := &evaluation{
		sig:     ClampSignals(signals),
		th:      e.resolveThresholds(profile),
		mode:    e.resolveMode(profile),
		version: profile.Version,
	}
	if ev.version == "" {
		ev.version = models.BuiltinPolicyVersion
	}

	ev.computeBaseline()
	ev.applyGuardrails()

	return Result{
		Decision:         ev.decision,
		BaselineDecision: ev.baseline,
		TriggeredRules:   ev.rules,
		ReasonCodes:      ev.reasons,
		Rationale:        buildRationale(ev),
		PolicyVersion:    ev.version,
		Mode:             ev.mode,
		Thresholds:       ev.th,
		Steps:            ev.steps,
	}
}

func (e *Engine) resolveMode(profile *models.PolicyProfile) models.DecisionMode {
	mode, known := models.ParseDecisionMode(profile.DecisionMode)
	if !known {
		e.logger.Warn("Unknown decision mode, using score_first",
			zap.String("decision_mode", profile.DecisionMode),
			zap.String("policy_version", profile.Version))
	}
	return mode
}

func (e *Engine) resolveThresholds(profile *models.PolicyProfile) models.Thresholds {
	th := profile.Thresholds
	if validThresholds(th) {
		return th
	}
	e.logger.Warn("Invalid policy thresholds, using built-in thresholds",
		zap.String("policy_version", profile.Version),
		zap.Float64("review", th.Review),
		zap.Float64("quarantine", th.Quarantine),
		zap.Float64("reject", th.Reject))
	return models.DefaultThresholds()
}

func validThresholds(th models.Thresholds) bool {
	for _, v := range []float64{th.Review, th.Quarantine, th.Reject, th.AssuranceAllow, th.Anomaly, th.Synthetic} {
		if math.IsNaN(v) || v < 0 || v > 100 {
			return false
		}
	}
	return th.Ascending()
}

// ClampSignals bounds every score to [0,100] and counts to >= 0. NaN risk and
// synthetic scores become 100 (worst case); NaN assurance, anomaly and identity
// become 0. Class labels are normalized to lower case; labels that collide
// after normalization keep the highest probability.
func ClampSignals(s models.Signals) models.Signals {
	out := s
	out.RiskScore = clampScore(s.RiskScore, 100)
	out.SyntheticLikelihood = clampScore(s.SyntheticLikelihood, 100)
	out.AssuranceScore = clampScore(s.AssuranceScore, 0)
	out.AnomalyScore = clampScore(s.AnomalyScore, 0)
	out.IdentityConfidence = clampScore(s.IdentityConfidence, 0)
	if out.PriorSightingsCount < 0 {
		out.PriorSightingsCount = 0
	}
	out.PrimaryLabel = strings.ToLower(strings.TrimSpace(s.PrimaryLabel))
	if len(s.ClassProbabilities) > 0 {
		out.ClassProbabilities = make(map[string]float64, len(s.ClassProbabilities))
		for k, v := range s.ClassProbabilities {
			p := v
			switch {
			case math.IsNaN(p), p < 0:
				p = 0
			case p > 1:
				p = 1
			}
			key := strings.ToLower(strings.TrimSpace(k))
			if prev, ok := out.ClassProbabilities[key]; ok && prev >= p {
				continue
			}
			out.ClassProbabilities[key] = p
		}
	}
	return out
}

func clampScore(v, nanValue float64) float64 {
	switch {
	case math.IsNaN(v):
		return nanValue
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// LabelDecision maps a classifier label to a decision.
func LabelDecision(label string) (models.Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "allow", "safe", "benign":
		return models.DecisionAllow, true
	case "review", "suspicious":
		return models.DecisionReview, true
	case "quarantine":
		return models.DecisionQuarantine, true
	case "reject", "malicious", "prohibited":
		return models.DecisionReject, true
	default:
		return "", false
	}
}

func (ev *evaluation) computeBaseline() {
	if ev.mode == models.ModeLabelFirst {
		if d, ok := LabelDecision(ev.sig.PrimaryLabel); ok {
			ev.labelBased = true
			ev.set(d, RuleBaselineLabel, ReasonPrimaryLabel)
			ev.baseline = d
			return
		}
	}
	ev.scoreBaseline()
	ev.baseline = ev.decision
}

func (ev *evaluation) scoreBaseline() {
	s, th := ev.sig, ev.th
	switch {
	case s.RiskScore >= th.Reject:
		ev.set(models.DecisionReject, RuleBaselineScoreReject, ReasonRiskAboveReject)
	case s.RiskScore >= th.Quarantine:
		ev.set(models.DecisionQuarantine, RuleBaselineScoreQuarantine, ReasonRiskAboveQuarantine)
	case s.RiskScore >= th.Review:
		ev.set(models.DecisionReview, RuleBaselineScoreReview, ReasonRiskAboveReview)
	default:
		failing := ev.uncleanReasons()
		if len(failing) == 0 {
			ev.set(models.DecisionAllow, RuleBaselineScoreAllow, ReasonSignalsClean)
			return
		}
		ev.set(models.DecisionReview, RuleBaselineScoreUnclean, ReasonSignalsNotClean)
		ev.reasons = append(ev.reasons, failing...)
	}
}

// uncleanReasons lists the clean-signal conditions that do not hold.
func (ev *evaluation) uncleanReasons() []string {
	s, th := ev.sig, ev.th
	var failing []string
	if s.AnomalyScore < th.Anomaly {
		failing = append(failing, ReasonAnomalyBelowThreshold)
	}
	if s.SyntheticLikelihood >= th.Synthetic {
		failing = append(failing, ReasonSyntheticLikely)
	}
	if s.IdentityConfidence < MinCleanIdentityConfidence {
		failing = append(failing, ReasonLowIdentityConfidence)
	}
	if s.PriorSightingsCount < 1 {
		failing = append(failing, ReasonNoPriorSightings)
	}
	return failing
}

// applyGuardrails runs the post-baseline rules in their fixed order. Every rule
// except the last can only raise severity.
func (ev *evaluation) applyGuardrails() {
	s, th := ev.sig, ev.th

	if s.HasPriorReject {
		ev.escalate(models.DecisionReject, RuleGuardPriorReject, ReasonPriorReject)
	}
	if s.HasPriorQuarantine && ev.decision.Severity() <= models.DecisionReview.Severity() {
		ev.escalate(models.DecisionQuarantine, RuleGuardPriorQuarantine, ReasonPriorQuarantine)
	}
	if s.AnomalyScore < th.Anomaly && ev.decision == models.DecisionAllow {
		ev.escalate(models.DecisionReview, RuleGuardLowAnomaly, ReasonAnomalyBelowThreshold)
	}
	if s.SyntheticLikelihood >= th.Synthetic && ev.decision.Severity() <= models.DecisionReview.Severity() {
		ev.escalate(models.DecisionQuarantine, RuleGuardSynthetic, ReasonSyntheticLikely)
	}
	switch {
	case s.RiskScore >= th.Reject:
		ev.escalate(models.DecisionReject, RuleGuardExtremeRiskReject, ReasonExtremeRisk)
	case s.RiskScore >= th.Quarantine:
		ev.escalate(models.DecisionQuarantine, RuleGuardExtremeRiskQuarantine, ReasonExtremeRisk)
	}
	if ev.decision == models.DecisionReview && s.AssuranceScore >= th.AssuranceAllow && s.RiskScore < th.Review {
		ev.record(models.DecisionAllow, RuleDeescalateHighAssurance, ReasonHighAssurance)
	}
}

func (ev *evaluation) set(d models.Decision, rule, reason string) {
	ev.decision = d
	ev.rules = append(ev.rules, rule)
	ev.reasons = append(ev.reasons, reason)
}

// escalate raises the decision to target if that increases severity.
func (ev *evaluation) escalate(target models.Decision, rule, reason string) {
	if target.Severity() <= ev.decision.Severity() {
		return
	}
	ev.record(target, rule, reason)
}

func (ev *evaluation) record(target models.Decision, rule, reason string) {
	ev.steps = append(ev.steps, Step{Rule: rule, From: ev.decision, To: target})
	ev.decision = target
	ev.rules = append(ev.rules, rule)
	if !slices.Contains(ev.reasons, reason) {
		ev.reasons = append(ev.reasons, reason)
	}
}
