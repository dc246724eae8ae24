// Package approval converts an execution result and a quality/risk policy
// into an approve/reject/improve verdict with generated feedback. Decide is a
// pure function: identical inputs always produce the identical outcome.
package approval

import (
	"fmt"
	"strings"

	"orderline/internal/config"
	"orderline/internal/domain"
)

// HumanDecision is the explicit override channel. A non-empty decision wins
// over the automated verdict unconditionally.
type HumanDecision struct {
	Decision string
	Feedback string
}

// Outcome carries the verdict plus the reports that produced it.
type Outcome struct {
	Decision     string
	Source       string
	Quality      QualityReport
	Risk         RiskReport
	Feedback     string
	Requirements []string
}

// Decide applies the decision rule in precedence order:
// human override, auto-approve of low-risk passing results, quality gate,
// human-review gate, approve, fallback to requires_improvement.
func Decide(res domain.ExecutionResult, cfg config.ApprovalConfig, custom map[string]CustomCheckFunc, human *HumanDecision) Outcome {
	quality := EvaluateQuality(res, cfg.Quality)
	risk := AssessRisk(res, cfg.RiskChecks, cfg.SeverityThresholds, custom)

	out := Outcome{Quality: quality, Risk: risk, Source: domain.SourceAutomated}

	if human != nil && human.Decision != "" {
		out.Decision = human.Decision
		out.Source = domain.SourceHuman
		out.Feedback = human.Feedback
		if out.Decision != domain.DecisionApproved {
			out.Requirements = requirements(quality, risk, cfg)
			if out.Feedback == "" {
				out.Feedback = feedback(quality, risk, cfg)
			}
		}
		return out
	}

	switch {
	case cfg.AutoApproveLowRisk && quality.MeetsCriteria && risk.Overall == SeverityLow:
		out.Decision = domain.DecisionApproved
	case !quality.MeetsCriteria:
		out.Decision = domain.DecisionRequiresImprovement
	case cfg.RequireHumanForHighRisk && risk.RequiresHumanReview:
		out.Decision = domain.DecisionRequiresImprovement
	case quality.MeetsCriteria && (risk.Overall == SeverityLow || risk.Overall == SeverityMedium):
		out.Decision = domain.DecisionApproved
	default:
		out.Decision = domain.DecisionRequiresImprovement
	}

	if out.Decision != domain.DecisionApproved {
		out.Feedback = feedback(quality, risk, cfg)
		out.Requirements = requirements(quality, risk, cfg)
	}
	return out
}

// Record materializes an outcome into an immutable approval record. The
// caller supplies identity and timestamp so Decide itself stays clock-free.
func (o Outcome) Record(id, createdAt string, res domain.ExecutionResult) domain.ApprovalRecord {
	return domain.ApprovalRecord{
		ID:           id,
		ResultID:     res.ResultID,
		OrderID:      res.OrderID,
		Decision:     o.Decision,
		Source:       o.Source,
		Feedback:     o.Feedback,
		Requirements: o.Requirements,
		CreatedAt:    createdAt,
	}
}

func feedback(quality QualityReport, risk RiskReport, cfg config.ApprovalConfig) string {
	var parts []string
	if len(quality.MissingFields) > 0 {
		parts = append(parts, fmt.Sprintf("missing required fields: %s", strings.Join(quality.MissingFields, ", ")))
	}
	for _, issue := range quality.Issues {
		parts = append(parts, "quality: "+issue)
	}
	for _, f := range risk.Findings {
		desc := f.Description
		if desc == "" {
			desc = f.Check
		}
		parts = append(parts, fmt.Sprintf("risk (%s): %s", f.Severity, desc))
	}
	for _, rec := range cfg.Recommendations {
		parts = append(parts, "recommendation: "+rec)
	}
	if len(parts) == 0 {
		return "result did not meet the approval policy"
	}
	return strings.Join(parts, "; ")
}

func requirements(quality QualityReport, risk RiskReport, cfg config.ApprovalConfig) []string {
	var reqs []string
	for _, f := range quality.MissingFields {
		reqs = append(reqs, "provide output field "+f)
	}
	reqs = append(reqs, quality.Issues...)
	for _, f := range risk.Findings {
		reqs = append(reqs, "resolve risk finding "+f.Check)
	}
	reqs = append(reqs, cfg.Recommendations...)
	return reqs
}
