package usecase

import (
	"encoding/json"
	"fmt"
	"strings"

	"ObitPipeline/internal/domain"
)

// auditVerdict is the tagged result of parsing an audit completion. Parsed
// is the explicit "the response was usable" marker: an unparsable audit must
// fail safe toward admin review, never default to pass.
type auditVerdict struct {
	Parsed         bool
	Pass           bool
	Issues         []domain.AuditIssue
	Corrections    *fieldCorrections
	Confidence     float64
	Recommendation domain.Recommendation
}

// fieldCorrections is the allow-list of fields the auditor may fix.
type fieldCorrections struct {
	DeathDate    string `json:"death_date"`
	BirthDate    string `json:"birth_date"`
	Age          int    `json:"age"`
	Location     string `json:"location"`
	Organization string `json:"organization"`
}

type auditResponseBody struct {
	Status         string              `json:"status"`
	Issues         []domain.AuditIssue `json:"issues"`
	Corrections    *fieldCorrections   `json:"corrections"`
	Confidence     float64             `json:"confidence"`
	Recommendation string              `json:"recommendation"`
}

// parseAuditVerdict decodes the completion content. Any decode failure or
// missing verdict yields the parse-failed variant with zero confidence.
func parseAuditVerdict(content string) auditVerdict {
	var body auditResponseBody
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &body); err != nil {
		return auditVerdict{}
	}

	status := strings.ToLower(strings.TrimSpace(body.Status))
	if status != "pass" && status != "flag" {
		return auditVerdict{}
	}

	verdict := auditVerdict{
		Parsed:         true,
		Issues:         body.Issues,
		Corrections:    body.Corrections,
		Confidence:     body.Confidence,
		Recommendation: normalizeRecommendation(body.Recommendation),
	}
	// Publishing requires the verdict and the recommendation to agree.
	verdict.Pass = status == "pass" && verdict.Recommendation == domain.RecommendPass
	return verdict
}

// normalizeRecommendation never trusts an unknown string as a state.
func normalizeRecommendation(value string) domain.Recommendation {
	switch domain.Recommendation(strings.ToLower(strings.TrimSpace(value))) {
	case domain.RecommendPass:
		return domain.RecommendPass
	case domain.RecommendRequeue:
		return domain.RecommendRequeue
	default:
		return domain.RecommendAdminReview
	}
}

// summarizeIssues renders findings for storage alongside the record, so the
// next rewrite attempt can address them.
func summarizeIssues(issues []domain.AuditIssue) string {
	if len(issues) == 0 {
		return ""
	}

	var parts []string
	for _, issue := range issues {
		parts = append(parts, fmt.Sprintf("[%s/%s] %s", issue.Type, issue.Severity, issue.Detail))
	}
	return strings.Join(parts, "; ")
}
