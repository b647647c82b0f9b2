// Package analysis turns model outputs into clinical scores, risk flags and
// explanations for batches of uploaded micrographs.
package analysis

import (
	"math"

	"github.com/ayush6447/Embyro/internal/model"
)

// Natural maxima of the Gardner components.
const (
	MaxExpansion = 6.0
	MaxICM       = 3.0
	MaxTE        = 3.0
)

const (
	weightExpansion = 0.4
	weightICM       = 0.3
	weightTE        = 0.3

	// implantationCap is the probability assigned to a perfect score.
	implantationCap = 0.85
	riskThreshold   = 0.5
)

// RiskIndicator is a machine-readable flag with a display label.
type RiskIndicator struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

var (
	RiskLowExpansion = RiskIndicator{Code: "low_expansion", Label: "Low Expansion Grade"}
	RiskPoorICM      = RiskIndicator{Code: "poor_icm", Label: "Poor Inner Cell Mass"}
	RiskPoorTE       = RiskIndicator{Code: "poor_te", Label: "Poor Trophectoderm"}
	RiskNone         = RiskIndicator{Code: "none", Label: "No major abnormality detected"}
)

// Catalog lists every flag the scorer can emit.
func Catalog() []RiskIndicator {
	return []RiskIndicator{RiskLowExpansion, RiskPoorICM, RiskPoorTE, RiskNone}
}

// SubScores are the grades divided by their maxima and clamped to [0,1].
type SubScores struct {
	Expansion float64 `json:"expansion"`
	ICM       float64 `json:"icm"`
	TE        float64 `json:"te"`
}

// Get returns the sub-score of one head.
func (s SubScores) Get(h model.HeadName) float64 {
	switch h {
	case model.ICM:
		return s.ICM
	case model.TE:
		return s.TE
	default:
		return s.Expansion
	}
}

// Normalize scales raw predictions onto [0,1].
func Normalize(p model.Prediction) SubScores {
	return SubScores{
		Expansion: clamp01(p.Expansion / MaxExpansion),
		ICM:       clamp01(p.ICM / MaxICM),
		TE:        clamp01(p.TE / MaxTE),
	}
}

// QualityScore is the weighted sum of sub-scores on a 0–100 scale.
func QualityScore(n SubScores) float64 {
	return 100 * (weightExpansion*n.Expansion + weightICM*n.ICM + weightTE*n.TE)
}

// ImplantationProbability maps a quality score to a calibrated probability.
func ImplantationProbability(quality float64) float64 {
	return implantationCap * quality / 100
}

// RiskFlags emits one flag per sub-score below threshold, or RiskNone.
func RiskFlags(n SubScores) []RiskIndicator {
	var risks []RiskIndicator
	if n.Expansion < riskThreshold {
		risks = append(risks, RiskLowExpansion)
	}
	if n.ICM < riskThreshold {
		risks = append(risks, RiskPoorICM)
	}
	if n.TE < riskThreshold {
		risks = append(risks, RiskPoorTE)
	}
	if len(risks) == 0 {
		risks = append(risks, RiskNone)
	}
	return risks
}

// TopHead returns the head with the highest sub-score, earliest first on ties.
func TopHead(n SubScores) model.HeadName {
	best := model.Heads[0]
	for _, h := range model.Heads[1:] {
		if n.Get(h) > n.Get(best) {
			best = h
		}
	}
	return best
}

// Score bundles everything derived from one prediction.
type Score struct {
	Norm         SubScores
	Quality      float64
	Implantation float64
	Risks        []RiskIndicator
}

// ScorePrediction derives the score, probability and flags of p.
func ScorePrediction(p model.Prediction) Score {
	n := Normalize(p)
	q := QualityScore(n)
	return Score{
		Norm:         n,
		Quality:      q,
		Implantation: ImplantationProbability(q),
		Risks:        RiskFlags(n),
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(v, 0), 1)
}
