// Package sqlite provides the SQLite-backed experiment store: one database
// file per experiment holding its call log and student roster.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/louisbranch/classroom-rpc/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/storage"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/storage/filter"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/storage/sqlite/migrations"
)

// Store persists experiment state in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ storage.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens (creating if needed) the database at path and applies embedded
// migrations. Writes are synchronous so an appended record survives a crash
// right after AppendLog returns.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendLog inserts one call record and returns its id. A zero timestamp is
// replaced with the current time.
func (s *Store) AppendLog(ctx context.Context, record storage.LogRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.FuncName) == "" {
		return 0, fmt.Errorf("function name is required")
	}
	ts := record.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	argsJSON := record.ArgsJSON
	if argsJSON == "" {
		argsJSON = "[]"
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO logs (ts, student_id, experiment_name, trial, func_name, args_json, result_json, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		toMillis(ts),
		record.StudentID,
		nullString(record.ExperimentName),
		record.Trial,
		record.FuncName,
		argsJSON,
		record.ResultJSON,
		record.Error,
	)
	if err != nil {
		return 0, fmt.Errorf("append log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append log id: %w", err)
	}
	return id, nil
}

// QueryLogs returns records matching q, ordered and limited.
func (s *Store) QueryLogs(ctx context.Context, q storage.LogQuery) ([]storage.LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	var (
		where  []string
		params []any
	)
	if q.StudentID != "" {
		where = append(where, "student_id = ?")
		params = append(params, q.StudentID)
	}
	if v := strings.TrimSpace(q.Trial); v != "" {
		where = append(where, "trial = ?")
		params = append(params, v)
	}
	if !q.Start.IsZero() {
		where = append(where, "ts >= ?")
		params = append(params, toMillis(q.Start))
	}
	if !q.End.IsZero() {
		where = append(where, "ts <= ?")
		params = append(params, toMillis(q.End))
	}
	cond, err := filter.ParseLogFilter(q.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidQuery, err)
	}
	if cond.Clause != "" {
		where = append(where, cond.Clause)
		params = append(params, cond.Params...)
	}

	orderTerms, err := filter.ParseLogOrderBy(q.OrderBy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidQuery, err)
	}
	if len(orderTerms) == 0 {
		if q.Order == storage.OrderEarliest {
			orderTerms = []string{"ts ASC", "id ASC"}
		} else {
			orderTerms = []string{"ts DESC", "id DESC"}
		}
	}

	query := `SELECT id, ts, student_id, experiment_name, trial, func_name, args_json, result_json, error FROM logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + strings.Join(orderTerms, ", ") + " LIMIT ?"
	params = append(params, q.ClampedLimit())

	rows, err := s.sqlDB.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var records []storage.LogRecord
	for rows.Next() {
		record, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return records, nil
}

// DistinctValues returns the sorted distinct non-null values of field across
// all logs.
func (s *Store) DistinctValues(ctx context.Context, field storage.Field) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var query string
	switch field {
	case storage.FieldStudentID:
		query = `SELECT DISTINCT student_id FROM logs ORDER BY student_id ASC`
	case storage.FieldTrial:
		query = `SELECT DISTINCT trial FROM logs WHERE trial IS NOT NULL ORDER BY trial ASC`
	default:
		return nil, fmt.Errorf("%w: %s", storage.ErrInvalidField, field)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("distinct %s: %w", field, err)
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan distinct %s: %w", field, err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate distinct %s: %w", field, err)
	}
	return values, nil
}

// DeleteLogsForStudent removes every record for studentID in one
// transaction and returns how many were removed.
func (s *Store) DeleteLogsForStudent(ctx context.Context, studentID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(studentID) == "" {
		return 0, fmt.Errorf("student id is required")
	}
	var removed int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM logs WHERE student_id = ?`, studentID)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete logs for student: %w", err)
	}
	return removed, nil
}

// AddStudent registers a student. It reports false without error when the
// student already exists.
func (s *Store) AddStudent(ctx context.Context, student storage.Student) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	studentID := student.StudentID
	if strings.TrimSpace(studentID) == "" {
		return false, fmt.Errorf("student id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO students (student_id, name, email, created_at) VALUES (?, ?, ?, ?)`,
		studentID, strings.TrimSpace(student.Name), nullString(student.Email), toMillis(s.now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("add student: %w", err)
	}
	return true, nil
}

// AddStudents registers many students in one transaction, skipping existing
// ids and collecting per-row errors.
func (s *Store) AddStudents(ctx context.Context, students []storage.Student) (storage.BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.BulkResult{}, err
	}
	result := storage.BulkResult{Errors: []string{}, TotalProcessed: len(students)}
	createdAt := toMillis(s.now())
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO students (student_id, name, email, created_at) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, student := range students {
			studentID := student.StudentID
			if strings.TrimSpace(studentID) == "" {
				result.Errors = append(result.Errors, "Missing or empty student_id")
				continue
			}
			_, err := stmt.ExecContext(ctx, studentID, strings.TrimSpace(student.Name), nullString(student.Email), createdAt)
			switch {
			case err == nil:
				result.Added++
			case isUniqueViolation(err):
				result.Skipped++
			default:
				result.Errors = append(result.Errors, fmt.Sprintf("Failed to add %s: %v", studentID, err))
			}
		}
		return nil
	})
	if err != nil {
		return storage.BulkResult{}, fmt.Errorf("add students: %w", err)
	}
	return result, nil
}

// StudentExists reports whether studentID is registered.
func (s *Store) StudentExists(ctx context.Context, studentID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM students WHERE student_id = ?`, studentID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("student exists: %w", err)
	}
	return true, nil
}

// ListStudents returns all students ordered by id.
func (s *Store) ListStudents(ctx context.Context) ([]storage.Student, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT student_id, name, email FROM students ORDER BY student_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	defer rows.Close()

	students := []storage.Student{}
	for rows.Next() {
		var (
			student storage.Student
			email   sql.NullString
		)
		if err := rows.Scan(&student.StudentID, &student.Name, &email); err != nil {
			return nil, fmt.Errorf("scan student: %w", err)
		}
		student.Email = email.String
		students = append(students, student)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate students: %w", err)
	}
	return students, nil
}

// DeleteStudent removes a student, and their logs too when cascadeLogs is
// set. It reports false when the student did not exist; in that case no
// logs are touched.
func (s *Store) DeleteStudent(ctx context.Context, studentID string, cascadeLogs bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var deleted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM students WHERE student_id = ?`, studentID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		if deleted && cascadeLogs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM logs WHERE student_id = ?`, studentID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete student: %w", err)
	}
	return deleted, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLog(row rowScanner) (storage.LogRecord, error) {
	var (
		record         storage.LogRecord
		ts             int64
		experimentName sql.NullString
		trial          sql.NullString
		resultJSON     sql.NullString
		errText        sql.NullString
	)
	if err := row.Scan(&record.ID, &ts, &record.StudentID, &experimentName, &trial,
		&record.FuncName, &record.ArgsJSON, &resultJSON, &errText); err != nil {
		return storage.LogRecord{}, fmt.Errorf("scan log: %w", err)
	}
	record.Timestamp = fromMillis(ts)
	record.ExperimentName = experimentName.String
	record.Trial = stringPtr(trial)
	record.ResultJSON = stringPtr(resultJSON)
	record.Error = stringPtr(errText)
	return record, nil
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullString(v string) sql.NullString {
	v = strings.TrimSpace(v)
	return sql.NullString{String: v, Valid: v != ""}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
