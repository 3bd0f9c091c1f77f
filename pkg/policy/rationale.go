package policy

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
)

// driver is one signal's position relative to the threshold that governs it.
type driver struct {
	name      string
	value     float64
	threshold float64
	label     string
}

func (d driver) margin() float64 {
	return math.Abs(d.value - d.threshold)
}

func (d driver) String() string {
	rel := "at"
	switch {
	case d.value > d.threshold:
		rel = fmt.Sprintf("%s above", num(d.value-d.threshold))
	case d.value < d.threshold:
		rel = fmt.Sprintf("%s below", num(d.threshold-d.value))
	}
	return fmt.Sprintf("%s=%s (%s %s %s)", d.name, num(d.value), rel, d.label, num(d.threshold))
}

func num(v float64) string {
	return fmt.Sprintf("%.1f", v)
}

func buildRationale(ev *evaluation) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Decision %s under %s mode (policy %s).", ev.decision, ev.mode, ev.version)
	fmt.Fprintf(&b, " Thresholds: review=%s, quarantine=%s, reject=%s, assurance_allow=%s, anomaly=%s, synthetic=%s, identity_min=%s.",
		num(ev.th.Review), num(ev.th.Quarantine), num(ev.th.Reject),
		num(ev.th.AssuranceAllow), num(ev.th.Anomaly), num(ev.th.Synthetic),
		num(MinCleanIdentityConfidence))

	if drivers := topDrivers(ev); len(drivers) > 0 {
		fmt.Fprintf(&b, " Top drivers: %s.", strings.Join(drivers, "; "))
	}

	fmt.Fprintf(&b, " Counterfactual: %s", counterfactual(ev))

	if ev.decision != ev.baseline {
		rules := make([]string, len(ev.steps))
		for i, s := range ev.steps {
			rules[i] = s.Rule
		}
		fmt.Fprintf(&b, " Guardrails changed the baseline %s to %s via %s.",
			ev.baseline, ev.decision, strings.Join(rules, ", "))
	}

	return b.String()
}

// topDrivers lists up to three drivers: any prior-outcome flags first, then the
// numeric signals furthest from their thresholds. Ties break on signal name.
func topDrivers(ev *evaluation) []string {
	var out []string
	if ev.sig.HasPriorReject {
		out = append(out, "has_prior_reject=true")
	}
	if ev.sig.HasPriorQuarantine {
		out = append(out, "has_prior_quarantine=true")
	}
	if ev.labelBased {
		out = append(out, fmt.Sprintf("primary_label=%q", ev.sig.PrimaryLabel))
	}

	numeric := []driver{
		riskDriver(ev.sig.RiskScore, ev.th),
		{name: "assurance_score", value: ev.sig.AssuranceScore, threshold: ev.th.AssuranceAllow, label: "assurance_allow threshold"},
		{name: "anomaly_score", value: ev.sig.AnomalyScore, threshold: ev.th.Anomaly, label: "anomaly threshold"},
		{name: "synthetic_likelihood", value: ev.sig.SyntheticLikelihood, threshold: ev.th.Synthetic, label: "synthetic threshold"},
		{name: "identity_confidence", value: ev.sig.IdentityConfidence, threshold: MinCleanIdentityConfidence, label: "identity minimum"},
	}
	sort.SliceStable(numeric, func(i, j int) bool {
		mi, mj := numeric[i].margin(), numeric[j].margin()
		if mi != mj {
			return mi > mj
		}
		return numeric[i].name < numeric[j].name
	})

	for _, d := range numeric {
		if len(out) >= 3 {
			break
		}
		out = append(out, d.String())
	}
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

// riskDriver compares risk to the nearest of the three risk thresholds.
func riskDriver(risk float64, th models.Thresholds) driver {
	best := driver{name: "risk_score", value: risk, threshold: th.Review, label: "review threshold"}
	for _, c := range []driver{
		{name: "risk_score", value: risk, threshold: th.Quarantine, label: "quarantine threshold"},
		{name: "risk_score", value: risk, threshold: th.Reject, label: "reject threshold"},
	} {
		if c.margin() < best.margin() {
			best = c
		}
	}
	return best
}

// counterfactual describes the smallest change that would flip the baseline.
func counterfactual(ev *evaluation) string {
	if ev.labelBased {
		return labelCounterfactual(ev)
	}

	s, th := ev.sig, ev.th
	switch ev.baseline {
	case models.DecisionReject:
		return fmt.Sprintf("lowering risk_score by more than %s (below %s) would make the baseline QUARANTINE.",
			num(s.RiskScore-th.Reject), num(th.Reject))
	case models.DecisionQuarantine:
		down := s.RiskScore - th.Quarantine
		up := th.Reject - s.RiskScore
		if up < down {
			return fmt.Sprintf("raising risk_score by %s (to %s) would make the baseline REJECT.",
				num(up), num(th.Reject))
		}
		return fmt.Sprintf("lowering risk_score by more than %s (below %s) would make the baseline REVIEW.",
			num(down), num(th.Quarantine))
	case models.DecisionReview:
		if s.RiskScore >= th.Review {
			up := th.Quarantine - s.RiskScore
			down := s.RiskScore - th.Review
			if len(ev.uncleanReasons()) == 0 && down <= up {
				return fmt.Sprintf("lowering risk_score by more than %s (below %s) would make the baseline ALLOW.",
					num(down), num(th.Review))
			}
			return fmt.Sprintf("raising risk_score by %s (to %s) would make the baseline QUARANTINE.",
				num(up), num(th.Quarantine))
		}
		return "the baseline would become ALLOW if " + strings.Join(cleanFixes(ev), " and ") + "."
	default:
		return allowCounterfactual(ev)
	}
}

// cleanFixes lists every change needed for the clean-signal test to pass.
func cleanFixes(ev *evaluation) []string {
	s, th := ev.sig, ev.th
	var fixes []string
	if s.AnomalyScore < th.Anomaly {
		fixes = append(fixes, fmt.Sprintf("anomaly_score rose by %s (to %s)", num(th.Anomaly-s.AnomalyScore), num(th.Anomaly)))
	}
	if s.SyntheticLikelihood >= th.Synthetic {
		fixes = append(fixes, fmt.Sprintf("synthetic_likelihood fell by more than %s (below %s)", num(s.SyntheticLikelihood-th.Synthetic), num(th.Synthetic)))
	}
	if s.IdentityConfidence < MinCleanIdentityConfidence {
		fixes = append(fixes, fmt.Sprintf("identity_confidence rose by %s (to %s)", num(MinCleanIdentityConfidence-s.IdentityConfidence), num(MinCleanIdentityConfidence)))
	}
	if s.PriorSightingsCount < 1 {
		fixes = append(fixes, "prior_sightings_count reached 1")
	}
	return fixes
}

// allowCounterfactual picks the smallest single change that turns a clean ALLOW into REVIEW.
func allowCounterfactual(ev *evaluation) string {
	s, th := ev.sig, ev.th
	type option struct {
		delta float64
		text  string
	}
	opts := []option{
		{th.Review - s.RiskScore, fmt.Sprintf("raising risk_score by %s (to %s)", num(th.Review-s.RiskScore), num(th.Review))},
		{s.AnomalyScore - th.Anomaly, fmt.Sprintf("lowering anomaly_score by more than %s (below %s)", num(s.AnomalyScore-th.Anomaly), num(th.Anomaly))},
		{th.Synthetic - s.SyntheticLikelihood, fmt.Sprintf("raising synthetic_likelihood by %s (to %s)", num(th.Synthetic-s.SyntheticLikelihood), num(th.Synthetic))},
		{s.IdentityConfidence - MinCleanIdentityConfidence, fmt.Sprintf("lowering identity_confidence by more than %s (below %s)", num(s.IdentityConfidence-MinCleanIdentityConfidence), num(MinCleanIdentityConfidence))},
	}
	best := opts[0]
	for _, o := range opts[1:] {
		if o.delta < best.delta {
			best = o
		}
	}
	return best.text + " would make the baseline REVIEW."
}

// labelCounterfactual names the closest competing class whose label maps to a
// different decision, and the probability gap it would have to close.
func labelCounterfactual(ev *evaluation) string {
	primary := ev.sig.PrimaryLabel
	probs := ev.sig.ClassProbabilities
	pPrimary := probs[primary]

	classes := make([]string, 0, len(probs))
	for c := range probs {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	bestClass := ""
	var bestDecision models.Decision
	bestGap := math.Inf(1)
	for _, c := range classes {
		d, ok := LabelDecision(c)
		if !ok || d == ev.baseline || c == primary {
			continue
		}
		gap := pPrimary - probs[c]
		if gap < bestGap {
			bestGap, bestClass, bestDecision = gap, c, d
		}
	}

	if bestClass == "" {
		return fmt.Sprintf("no competing class maps to a different decision; the baseline follows primary_label %q.", primary)
	}
	return fmt.Sprintf("class %q overtaking %q (probability gap %.2f) would make the baseline %s.",
		bestClass, primary, math.Max(bestGap, 0), bestDecision)
}
