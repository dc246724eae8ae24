package approval

import (
	"encoding/json"
	"regexp"

	"orderline/internal/config"
	"orderline/internal/domain"
)

// Severity levels, ordered.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityRank = map[string]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Risk value contributions, summed per detected check and clamped to 1.0.
const (
	riskErrorLogs      = 0.4
	riskSlowExecution  = 0.3
	riskNilOutput      = 0.2
	riskOversizeOutput = 0.2

	defaultSlowThresholdMs = 120_000
	oversizeOutputBytes    = 64 * 1024
)

type Finding struct {
	Check       string  `json:"check"`
	Severity    string  `json:"severity" enum:"low,medium,high,critical"`
	Value       float64 `json:"value"`
	Description string  `json:"description,omitempty"`
}

type RiskReport struct {
	Findings            []Finding `json:"findings,omitempty"`
	Overall             string    `json:"overall" enum:"low,medium,high,critical"`
	RequiresHumanReview bool      `json:"requires_human_review"`
}

// CustomCheckFunc lets callers plug detection logic for checks declared with
// kind "custom". It must be deterministic for a given result.
type CustomCheckFunc func(res domain.ExecutionResult) bool

// AssessRisk runs every configured check against the result. Overall risk is
// the maximum finding severity; no findings means low.
func AssessRisk(res domain.ExecutionResult, checks []config.RiskCheck, thresholds config.SeverityThresholds, custom map[string]CustomCheckFunc) RiskReport {
	report := RiskReport{Overall: SeverityLow}
	for _, chk := range checks {
		if !detected(res, chk, custom) {
			continue
		}
		value := riskValue(res, chk)
		f := Finding{
			Check:       chk.Name,
			Severity:    classify(value, thresholds),
			Value:       value,
			Description: chk.Description,
		}
		report.Findings = append(report.Findings, f)
		if severityRank[f.Severity] > severityRank[report.Overall] {
			report.Overall = f.Severity
		}
		if f.Severity == SeverityCritical {
			report.RequiresHumanReview = true
		}
	}
	if report.Overall == SeverityHigh || report.Overall == SeverityCritical {
		report.RequiresHumanReview = true
	}
	return report
}

func detected(res domain.ExecutionResult, chk config.RiskCheck, custom map[string]CustomCheckFunc) bool {
	switch chk.Kind {
	case "pattern":
		re, err := regexp.Compile(chk.Pattern)
		if err != nil {
			return false // invalid patterns are rejected by config validation
		}
		return re.MatchString(serializeOutput(res))
	case "heuristic":
		threshold := chk.ThresholdMs
		if threshold <= 0 {
			threshold = defaultSlowThresholdMs
		}
		if res.ElapsedMs > threshold {
			return true
		}
		if res.Output == nil {
			return true
		}
		return res.ErrorLogCount() > 0
	case "custom":
		fn, ok := custom[chk.Name]
		if !ok {
			return false
		}
		return fn(res)
	default:
		return false
	}
}

// riskValue derives a detected check's risk from error presence, excessive
// duration, missing output and oversized output, plus the check's own weight.
func riskValue(res domain.ExecutionResult, chk config.RiskCheck) float64 {
	value := chk.Weight
	if res.ErrorLogCount() > 0 {
		value += riskErrorLogs
	}
	threshold := chk.ThresholdMs
	if threshold <= 0 {
		threshold = defaultSlowThresholdMs
	}
	if res.ElapsedMs > threshold {
		value += riskSlowExecution
	}
	if res.Output == nil {
		value += riskNilOutput
	}
	if data, err := json.Marshal(res.Output); err == nil && len(data) > oversizeOutputBytes {
		value += riskOversizeOutput
	}
	if value > 1.0 {
		value = 1.0
	}
	return value
}

func classify(value float64, t config.SeverityThresholds) string {
	switch {
	case value >= t.Critical:
		return SeverityCritical
	case value >= t.High:
		return SeverityHigh
	case value >= t.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
