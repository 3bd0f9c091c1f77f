package models

// Signals are the risk and identity inputs consumed by the policy engine.
// Scores are on a 0-100 scale; values from the inference provider are opaque.
type Signals struct {
	RiskScore           float64            `json:"risk_score"`
	AssuranceScore      float64            `json:"assurance_score"`
	AnomalyScore        float64            `json:"anomaly_score"`
	SyntheticLikelihood float64            `json:"synthetic_likelihood"`
	HasPriorQuarantine  bool               `json:"has_prior_quarantine"`
	HasPriorReject      bool               `json:"has_prior_reject"`
	PriorSightingsCount int                `json:"prior_sightings_count"`
	IdentityConfidence  float64            `json:"identity_confidence"`
	PrimaryLabel        string             `json:"primary_label,omitempty"`
	ClassProbabilities  map[string]float64 `json:"class_probabilities,omitempty"`
}

// ModelScores is the opaque output of the ML inference provider.
type ModelScores struct {
	RiskScore           float64            `json:"risk_score"`
	AssuranceScore      float64            `json:"assurance_score"`
	AnomalyScore        float64            `json:"anomaly_score"`
	SyntheticLikelihood float64            `json:"synthetic_likelihood"`
	PrimaryLabel        string             `json:"primary_label,omitempty"`
	ClassProbabilities  map[string]float64 `json:"class_probabilities,omitempty"`
}
