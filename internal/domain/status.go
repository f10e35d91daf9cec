package domain

import "strings"

type Status string

const (
	StatusDraft            Status = "DRAFT"
	StatusInReview         Status = "IN_REVIEW"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusApproved         Status = "APPROVED"
	StatusRejected         Status = "REJECTED"
	StatusArchived         Status = "ARCHIVED"
	StatusUnknown          Status = "UNKNOWN"
)

type ReviewStatus string

const (
	ReviewPending    ReviewStatus = "PENDING"
	ReviewInProgress ReviewStatus = "IN_PROGRESS"
	ReviewCompleted  ReviewStatus = "COMPLETED"
	ReviewSkipped    ReviewStatus = "SKIPPED"
	ReviewUnknown    ReviewStatus = "UNKNOWN"
)

type Recommendation string

const (
	RecommendApprove            Recommendation = "APPROVE"
	RecommendApproveWithChanges Recommendation = "APPROVE_WITH_CHANGES"
	RecommendRequestChanges     Recommendation = "REQUEST_CHANGES"
	RecommendReject             Recommendation = "REJECT"
	RecommendUnknown            Recommendation = "UNKNOWN"
)

type Framework string

const (
	FrameworkDRD       Framework = "DRD"
	FrameworkRapidLean Framework = "RAPIDLEAN"
	FrameworkSIRI      Framework = "SIRI"
	FrameworkADMA      Framework = "ADMA"
	FrameworkCMMI      Framework = "CMMI"
	FrameworkGeneric   Framework = "GENERIC"
	FrameworkUnknown   Framework = "UNKNOWN"
)

type GateReadiness string

const (
	GateReady    GateReadiness = "READY"
	GateNotReady GateReadiness = "NOT_READY"
)

// Action names a workflow event a caller may request.
type Action string

const (
	ActionSubmitForReview Action = "submit_for_review"
	ActionApprove         Action = "approve"
	ActionReject          Action = "reject"
	ActionArchive         Action = "archive"
	ActionRestoreVersion  Action = "restore_version"
	ActionReviewsResolved Action = "reviews_resolved"

	ActionStartReview    Action = "start_review"
	ActionCompleteReview Action = "complete_review"
	ActionSkipReview     Action = "skip_review"
)

// Raw status strings seen across the various API shapes that feed assessments.
var statusAliases = map[string]Status{
	"draft":             StatusDraft,
	"new":               StatusDraft,
	"in_review":         StatusInReview,
	"review":            StatusInReview,
	"under_review":      StatusInReview,
	"pending_review":    StatusInReview,
	"awaiting_approval": StatusAwaitingApproval,
	"pending_approval":  StatusAwaitingApproval,
	"approved":          StatusApproved,
	"rejected":          StatusRejected,
	"archived":          StatusArchived,
}

var reviewStatusAliases = map[string]ReviewStatus{
	"pending":     ReviewPending,
	"assigned":    ReviewPending,
	"in_progress": ReviewInProgress,
	"started":     ReviewInProgress,
	"completed":   ReviewCompleted,
	"done":        ReviewCompleted,
	"skipped":     ReviewSkipped,
}

var recommendationAliases = map[string]Recommendation{
	"approve":              RecommendApprove,
	"approve_with_changes": RecommendApproveWithChanges,
	"request_changes":      RecommendRequestChanges,
	"changes_requested":    RecommendRequestChanges,
	"reject":               RecommendReject,
}

var frameworkAliases = map[string]Framework{
	"drd":        FrameworkDRD,
	"rapidlean":  FrameworkRapidLean,
	"rapid_lean": FrameworkRapidLean,
	"siri":       FrameworkSIRI,
	"adma":       FrameworkADMA,
	"cmmi":       FrameworkCMMI,
	"generic":    FrameworkGeneric,
}

func normalizeKey(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	return s
}

// ParseStatus maps a raw workflow status onto the closed set. Unrecognized input
// yields StatusUnknown and an UnknownValueError.
func ParseStatus(raw string) (Status, error) {
	if s, ok := statusAliases[normalizeKey(raw)]; ok {
		return s, nil
	}
	return StatusUnknown, &UnknownValueError{Field: "status", Value: raw}
}

func ParseReviewStatus(raw string) (ReviewStatus, error) {
	if s, ok := reviewStatusAliases[normalizeKey(raw)]; ok {
		return s, nil
	}
	return ReviewUnknown, &UnknownValueError{Field: "review_status", Value: raw}
}

func ParseRecommendation(raw string) (Recommendation, error) {
	if r, ok := recommendationAliases[normalizeKey(raw)]; ok {
		return r, nil
	}
	return RecommendUnknown, &UnknownValueError{Field: "recommendation", Value: raw}
}

func ParseFramework(raw string) (Framework, error) {
	if f, ok := frameworkAliases[normalizeKey(raw)]; ok {
		return f, nil
	}
	return FrameworkUnknown, &UnknownValueError{Field: "framework", Value: raw}
}
