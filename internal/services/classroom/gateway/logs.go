package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	apperrors "github.com/louisbranch/classroom-rpc/internal/platform/errors"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/storage"
)

// LogEntry is the wire view of a log record.
type LogEntry struct {
	ID             int64           `json:"id"`
	Timestamp      string          `json:"ts"`
	ExperimentName string          `json:"experiment_name"`
	StudentID      string          `json:"student_id"`
	Trial          *string         `json:"trial"`
	FuncName       string          `json:"func_name"`
	Args           json.RawMessage `json:"args_json"`
	Result         json.RawMessage `json:"result_json"`
	Error          *string         `json:"error"`
	OK             bool            `json:"ok"`
}

func newLogEntry(record storage.LogRecord) LogEntry {
	entry := LogEntry{
		ID:             record.ID,
		Timestamp:      record.Timestamp.UTC().Format(time.RFC3339Nano),
		ExperimentName: record.ExperimentName,
		StudentID:      record.StudentID,
		Trial:          record.Trial,
		FuncName:       record.FuncName,
		Args:           rawJSON(record.ArgsJSON),
		Result:         json.RawMessage("null"),
		Error:          record.Error,
		OK:             record.OK(),
	}
	if record.ResultJSON != nil {
		entry.Result = rawJSON(*record.ResultJSON)
	}
	return entry
}

// rawJSON passes stored JSON through, quoting it when it does not parse.
func rawJSON(value string) json.RawMessage {
	if json.Valid([]byte(value)) {
		return json.RawMessage(value)
	}
	quoted, _ := json.Marshal(value)
	return quoted
}

// QueryLogs reads the resolved experiment's call log.
func (g *Gateway) QueryLogs(ctx context.Context, target Target, query storage.LogQuery) ([]LogEntry, error) {
	exp, release, err := g.acquire(target, true)
	if err != nil {
		return nil, err
	}
	defer release()

	records, err := exp.Store.QueryLogs(ctx, query)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidQuery) {
			return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, err.Error(), err)
		}
		return nil, storageFailure(exp, "query_logs", err)
	}
	entries := make([]LogEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, newLogEntry(record))
	}
	return entries, nil
}

// LogOptions lists the distinct student ids and trial tags in the log.
type LogOptions struct {
	Students []string `json:"students"`
	Trials   []string `json:"trials"`
	// Experiments repeats Trials for clients of the former field name.
	Experiments []string `json:"experiments"`
}

// LogOptions returns the values available to log filters.
func (g *Gateway) LogOptions(ctx context.Context, target Target) (LogOptions, error) {
	exp, release, err := g.acquire(target, false)
	if err != nil {
		return LogOptions{}, err
	}
	defer release()

	students, err := exp.Store.DistinctValues(ctx, storage.FieldStudentID)
	if err != nil {
		return LogOptions{}, storageFailure(exp, "distinct_students", err)
	}
	trials, err := exp.Store.DistinctValues(ctx, storage.FieldTrial)
	if err != nil {
		return LogOptions{}, storageFailure(exp, "distinct_trials", err)
	}
	if students == nil {
		students = []string{}
	}
	if trials == nil {
		trials = []string{}
	}
	return LogOptions{Students: students, Trials: trials, Experiments: trials}, nil
}

// IsRegistered reports whether studentID is on the resolved experiment's
// roster.
func (g *Gateway) IsRegistered(ctx context.Context, target Target, studentID string) (bool, error) {
	if studentID == "" {
		return false, apperrors.New(apperrors.CodeInvalidArgument, "student_id is required")
	}
	exp, release, err := g.acquire(target, false)
	if err != nil {
		return false, err
	}
	defer release()

	ok, err := exp.Store.StudentExists(ctx, studentID)
	if err != nil {
		return false, storageFailure(exp, "student_exists", err)
	}
	return ok, nil
}
