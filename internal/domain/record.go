package domain

import "time"

// Status is the primary pipeline state of a record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// AuditStatus tracks where a record stands with respect to fact auditing.
type AuditStatus string

const (
	AuditStatusNone        AuditStatus = ""
	AuditStatusNeedsAudit  AuditStatus = "needs_audit"
	AuditStatusPass        AuditStatus = "pass"
	AuditStatusFlagged     AuditStatus = "flagged"
	AuditStatusAdminReview AuditStatus = "admin_review"
)

// Record is a single biographical entry moving through the pipeline.
// Ingestion creates it with StatusPending and empty rewritten text; only the
// rewrite and audit stages mutate it afterwards.
type Record struct {
	ID int64 `db:"id"`

	// Source fields, loosely extracted upstream; any of them may be wrong.
	SourceText   string `db:"source_text"`
	SubjectName  string `db:"subject_name"`
	DeathDate    string `db:"death_date"`
	BirthDate    string `db:"birth_date"`
	Age          int    `db:"age"`
	Location     string `db:"location"`
	Organization string `db:"organization"`

	// Generated fields.
	RewrittenText string `db:"rewritten_text"`
	RewrittenHash string `db:"rewritten_hash"`

	Status      Status      `db:"status"`
	AuditStatus AuditStatus `db:"audit_status"`

	// Audit bookkeeping.
	LastAuditedHash string     `db:"last_audited_hash"`
	LastAuditedAt   *time.Time `db:"last_audited_at"`
	RequeueCount    int        `db:"requeue_count"`
	AuditNotes      string     `db:"audit_notes"`

	// Quarantine marker for records that repeatedly fail rewrite validation.
	RewriteFailures  int        `db:"rewrite_failures"`
	QuarantinedAt    *time.Time `db:"quarantined_at"`
	QuarantineCycles int        `db:"quarantine_cycles"`

	// Suppressed records (legal takedown) are invisible to every selection
	// query; the pipeline never sets or clears this.
	Suppressed bool `db:"suppressed"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Quarantined reports whether the record is inside an active quarantine
// window as of now.
func (r Record) Quarantined(now time.Time, window time.Duration) bool {
	if r.QuarantinedAt == nil {
		return false
	}
	return now.Before(r.QuarantinedAt.Add(window))
}

// NeedsReaudit reports whether the rewritten text has changed since the last
// audit verdict was recorded.
func (r Record) NeedsReaudit() bool {
	if r.RewrittenText == "" {
		return false
	}
	return r.RewrittenHash != r.LastAuditedHash
}

// IssueType classifies a single problem the auditor found.
type IssueType string

const (
	IssueMissingFact   IssueType = "missing_fact"
	IssueFabrication   IssueType = "fabrication"
	IssueFieldMismatch IssueType = "field_mismatch"
	IssueTone          IssueType = "tone"
	IssueAgeError      IssueType = "age_error"
	IssueQuality       IssueType = "quality"
)

// Severity grades an audit issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// AuditIssue is one typed finding from a fact audit.
type AuditIssue struct {
	Type     IssueType `json:"type"`
	Severity Severity  `json:"severity"`
	Detail   string    `json:"detail"`
}

// Recommendation is the auditor's suggested disposition.
type Recommendation string

const (
	RecommendPass        Recommendation = "pass"
	RecommendRequeue     Recommendation = "requeue"
	RecommendAdminReview Recommendation = "admin_review"
)
