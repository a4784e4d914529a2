package models

import (
	"errors"
	"strings"
)

type RuleKind string

const (
	RuleKindExact     RuleKind = "Exact"
	RuleKindPartial   RuleKind = "Partial"
	RuleKindDuplicate RuleKind = "Duplicate"
)

func (k RuleKind) IsValid() bool {
	switch k {
	case RuleKindExact, RuleKindPartial, RuleKindDuplicate:
		return true
	}
	return false
}

// convert input to enum type
func (k *RuleKind) UnmarshalText(b []byte) error {
	switch strings.TrimSpace(string(b)) {
	case "Exact":
		*k = RuleKindExact
	case "Partial":
		*k = RuleKindPartial
	case "Duplicate":
		*k = RuleKindDuplicate
	default:
		return errors.New("invalid rule kind")
	}
	return nil
}

type Verdict string

const (
	VerdictMatched          Verdict = "Matched"
	VerdictPartiallyMatched Verdict = "PartiallyMatched"
	VerdictNotMatched       Verdict = "NotMatched"
	VerdictDuplicate        Verdict = "Duplicate"
)

// AllVerdicts is the reporting order.
var AllVerdicts = []Verdict{VerdictMatched, VerdictPartiallyMatched, VerdictNotMatched, VerdictDuplicate}

type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "Processing"
	BatchStatusCompleted  BatchStatus = "Completed"
	BatchStatusFailed     BatchStatus = "Failed"
)

type AuditAction string

const (
	AuditActionIngest     AuditAction = "Ingest"
	AuditActionReconcile  AuditAction = "Reconcile"
	AuditActionCorrection AuditAction = "Correction"
)

type AuditSource string

const (
	AuditSourceSystem AuditSource = "System"
	AuditSourceUser   AuditSource = "User"
)

type UserRole string

const (
	UserRoleAdmin   UserRole = "Admin"
	UserRoleAnalyst UserRole = "Analyst"
	UserRoleViewer  UserRole = "Viewer"
)
