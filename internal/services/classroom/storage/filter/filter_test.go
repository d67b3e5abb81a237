package filter

import (
	"reflect"
	"testing"
	"time"
)

func TestParseLogFilterEmpty(t *testing.T) {
	t.Parallel()

	cond, err := ParseLogFilter("  ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cond.Clause != "" || len(cond.Params) != 0 {
		t.Fatalf("cond = %+v, want empty", cond)
	}
}

func TestParseLogFilterEquality(t *testing.T) {
	t.Parallel()

	cond, err := ParseLogFilter(`student_id = "s001"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cond.Clause != "student_id = ?" {
		t.Fatalf("clause = %q", cond.Clause)
	}
	if !reflect.DeepEqual(cond.Params, []any{"s001"}) {
		t.Fatalf("params = %v", cond.Params)
	}
}

func TestParseLogFilterConjunction(t *testing.T) {
	t.Parallel()

	cond, err := ParseLogFilter(`func_name = "square" AND trial != "warmup"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cond.Clause != "(func_name = ? AND trial != ?)" {
		t.Fatalf("clause = %q", cond.Clause)
	}
	if !reflect.DeepEqual(cond.Params, []any{"square", "warmup"}) {
		t.Fatalf("params = %v", cond.Params)
	}
}

func TestParseLogFilterTimestamp(t *testing.T) {
	t.Parallel()

	cond, err := ParseLogFilter(`ts >= timestamp("2025-01-02T03:04:05Z")`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli()
	if cond.Clause != "ts >= ?" || !reflect.DeepEqual(cond.Params, []any{want}) {
		t.Fatalf("cond = %+v, want ts >= %d", cond, want)
	}
}

func TestParseLogFilterRejectsUnknownField(t *testing.T) {
	t.Parallel()

	if _, err := ParseLogFilter(`password = "x"`); err == nil {
		t.Fatal("expected error for undeclared field")
	}
}

func TestParseLogOrderBy(t *testing.T) {
	t.Parallel()

	terms, err := ParseLogOrderBy("student_id, ts desc")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []string{"student_id ASC", "ts DESC", "id DESC"}
	if !reflect.DeepEqual(terms, want) {
		t.Fatalf("terms = %v, want %v", terms, want)
	}

	terms, err = ParseLogOrderBy("id")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(terms, []string{"id ASC"}) {
		t.Fatalf("terms = %v", terms)
	}

	if _, err := ParseLogOrderBy("args_json"); err == nil {
		t.Fatal("expected error for unknown order path")
	}
	if terms, err := ParseLogOrderBy(""); err != nil || terms != nil {
		t.Fatalf("empty order_by = (%v, %v)", terms, err)
	}
}
