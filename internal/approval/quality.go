package approval

import (
	"encoding/json"
	"fmt"
	"strings"

	"orderline/internal/config"
	"orderline/internal/domain"
)

// Quality penalties. Missing required fields weigh more than format issues;
// error-level log lines weigh the most.
const (
	missingFieldPenalty = 15
	formatPenalty       = 5
	contentPenalty      = 10
	errorLogPenalty     = 20
)

type QualityReport struct {
	Score         int      `json:"score"`
	MeetsCriteria bool     `json:"meets_criteria"`
	MissingFields []string `json:"missing_fields,omitempty"`
	Issues        []string `json:"issues,omitempty"`
}

// EvaluateQuality scores a result against the policy. The score starts at 100
// and is clamped to [0,100]. An empty policy passes vacuously.
func EvaluateQuality(res domain.ExecutionResult, policy config.QualityPolicy) QualityReport {
	report := QualityReport{Score: 100}

	for _, field := range policy.RequiredFields {
		if _, ok := res.Output[field]; !ok {
			report.Score -= missingFieldPenalty
			report.MissingFields = append(report.MissingFields, field)
		}
	}

	for field, want := range policy.FormatRequirements {
		v, ok := res.Output[field]
		if !ok {
			continue // absence already penalized via required_fields
		}
		if !matchesFormat(v, want) {
			report.Score -= formatPenalty
			report.Issues = append(report.Issues, fmt.Sprintf("field %s is not %s", field, want))
		}
	}

	serialized := serializeOutput(res)
	for _, want := range policy.ContentRequirements {
		if !strings.Contains(serialized, want) {
			report.Score -= contentPenalty
			report.Issues = append(report.Issues, fmt.Sprintf("output does not mention %q", want))
		}
	}

	if n := res.ErrorLogCount(); n > 0 {
		report.Score -= n * errorLogPenalty
		report.Issues = append(report.Issues, fmt.Sprintf("%d error log line(s)", n))
	}

	if report.Score < 0 {
		report.Score = 0
	}
	if report.Score > 100 {
		report.Score = 100
	}
	report.MeetsCriteria = report.Score >= policy.MinScore
	return report
}

func matchesFormat(v any, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, int, int64, json.Number:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

// serializeOutput renders output and log text into one searchable string.
func serializeOutput(res domain.ExecutionResult) string {
	var b strings.Builder
	if res.Output != nil {
		data, _ := json.Marshal(res.Output)
		b.Write(data)
	}
	for _, l := range res.Logs {
		b.WriteByte('\n')
		b.WriteString(l.Message)
	}
	return b.String()
}
