// Package storage defines persistence contracts for an experiment's call log
// and student roster.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidField indicates an unsupported distinct-values field.
	ErrInvalidField = errors.New("unsupported field")
	// ErrInvalidQuery indicates a malformed filter or order_by expression.
	ErrInvalidQuery = errors.New("invalid log query")
)

// Limits applied to log queries.
const (
	MinLimit     = 1
	MaxLimit     = 10_000
	DefaultLimit = 100
)

// Order selects the timestamp direction of a log query.
type Order string

const (
	OrderLatest   Order = "latest"
	OrderEarliest Order = "earliest"
)

// ParseOrder maps user input onto an Order. Anything other than "earliest"
// means latest first.
func ParseOrder(value string) Order {
	if strings.EqualFold(strings.TrimSpace(value), string(OrderEarliest)) {
		return OrderEarliest
	}
	return OrderLatest
}

// Field names a column that DistinctValues can aggregate.
type Field string

const (
	FieldStudentID Field = "student_id"
	FieldTrial     Field = "trial"
)

// LogRecord is one immutable call attempt. Exactly one of ResultJSON and
// Error is set.
type LogRecord struct {
	ID             int64
	Timestamp      time.Time
	ExperimentName string
	StudentID      string
	Trial          *string
	FuncName       string
	ArgsJSON       string
	ResultJSON     *string
	Error          *string
}

// OK reports whether the call succeeded.
func (r LogRecord) OK() bool {
	return r.Error == nil
}

// LogQuery filters and orders a log read. Zero values mean "no constraint".
type LogQuery struct {
	StudentID string
	Trial     string
	Start     time.Time
	End       time.Time
	Order     Order
	Limit     int
	// Filter is an optional AIP-160 expression over student_id, trial,
	// func_name, ts and id.
	Filter string
	// OrderBy is an optional AIP-132 ordering that replaces Order.
	OrderBy string
}

// ClampedLimit returns Limit bounded to [MinLimit, MaxLimit]. Zero means
// DefaultLimit.
func (q LogQuery) ClampedLimit() int {
	switch {
	case q.Limit == 0:
		return DefaultLimit
	case q.Limit < MinLimit:
		return MinLimit
	case q.Limit > MaxLimit:
		return MaxLimit
	}
	return q.Limit
}

// ResolveTrial picks the trial tag from the current field and its legacy
// aliases, in priority order. The first non-blank value wins.
func ResolveTrial(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Student is a registered participant.
type Student struct {
	StudentID string
	Name      string
	Email     string
}

// BulkResult reports the outcome of AddStudents.
type BulkResult struct {
	Added          int
	Skipped        int
	Errors         []string
	TotalProcessed int
}

// LogStore persists call records. Student ids are matched exactly as given.
type LogStore interface {
	AppendLog(ctx context.Context, record LogRecord) (int64, error)
	QueryLogs(ctx context.Context, query LogQuery) ([]LogRecord, error)
	DistinctValues(ctx context.Context, field Field) ([]string, error)
	DeleteLogsForStudent(ctx context.Context, studentID string) (int64, error)
}

// StudentStore persists the roster.
type StudentStore interface {
	AddStudent(ctx context.Context, student Student) (bool, error)
	AddStudents(ctx context.Context, students []Student) (BulkResult, error)
	StudentExists(ctx context.Context, studentID string) (bool, error)
	ListStudents(ctx context.Context) ([]Student, error)
	DeleteStudent(ctx context.Context, studentID string, cascadeLogs bool) (bool, error)
}

// Store is the full per-experiment persistence surface.
type Store interface {
	LogStore
	StudentStore
	Close() error
}
