package domain

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrCleanupRunning = errors.New("cleanup is already running")
	ErrPolicyNotFound = errors.New("retention policy not found")
	ErrPolicyExists   = errors.New("retention policy already exists")
	ErrInvalidPolicy  = errors.New("invalid retention policy")
)

// identifierPattern restricts categories and date columns to plain SQL identifiers.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// RetentionPolicy declares how long records of one storage category are kept.
type RetentionPolicy struct {
	Name          string     `json:"name"`
	Category      string     `json:"category"`
	RetentionDays int        `json:"retention_days"`
	DateColumn    string     `json:"date_column"`
	Enabled       bool       `json:"enabled"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	TotalDeleted  int64      `json:"total_deleted"`
}

// Validate checks a policy before it is accepted by the retention manager.
func (p RetentionPolicy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	if p.RetentionDays < 0 {
		return fmt.Errorf("%w: retention_days must be >= 0, got %d", ErrInvalidPolicy, p.RetentionDays)
	}
	if !identifierPattern.MatchString(p.Category) {
		return fmt.Errorf("%w: category %q is not a valid identifier", ErrInvalidPolicy, p.Category)
	}
	if !identifierPattern.MatchString(p.DateColumn) {
		return fmt.Errorf("%w: date_column %q is not a valid identifier", ErrInvalidPolicy, p.DateColumn)
	}
	return nil
}

// Cutoff returns the instant before which records are expired.
func (p RetentionPolicy) Cutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(p.RetentionDays) * 24 * time.Hour)
}

// PolicyUpdate carries the fields an administrator may change. Nil fields are left alone.
type PolicyUpdate struct {
	RetentionDays *int    `json:"retention_days,omitempty"`
	DateColumn    *string `json:"date_column,omitempty"`
	Enabled       *bool   `json:"enabled,omitempty"`
}

// CleanupResult is the outcome of running one policy.
type CleanupResult struct {
	PolicyName     string        `json:"policy_name"`
	DeletedRecords int64         `json:"deleted_records"`
	Duration       time.Duration `json:"duration_ns"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
}

// CleanupEstimate is a dry-run count for one policy.
type CleanupEstimate struct {
	PolicyName      string    `json:"policy_name"`
	Category        string    `json:"category"`
	Cutoff          time.Time `json:"cutoff"`
	MatchingRecords int64     `json:"matching_records"`
	TotalRecords    int64     `json:"total_records"`
}
