package storage

import "testing"

func TestClampedLimit(t *testing.T) {
	t.Parallel()

	tests := map[int]int{0: DefaultLimit, -5: MinLimit, 1: 1, 250: 250, 10_000: 10_000, 1_000_000: MaxLimit}
	for in, want := range tests {
		if got := (LogQuery{Limit: in}).ClampedLimit(); got != want {
			t.Fatalf("ClampedLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestParseOrder(t *testing.T) {
	t.Parallel()

	if got := ParseOrder("EARLIEST"); got != OrderEarliest {
		t.Fatalf("ParseOrder(EARLIEST) = %q", got)
	}
	for _, in := range []string{"", "latest", "bogus"} {
		if got := ParseOrder(in); got != OrderLatest {
			t.Fatalf("ParseOrder(%q) = %q, want latest", in, got)
		}
	}
}

func TestResolveTrialPrefersCurrentField(t *testing.T) {
	t.Parallel()

	if got := ResolveTrial("", "  ", "legacy"); got != "legacy" {
		t.Fatalf("ResolveTrial = %q, want legacy", got)
	}
	if got := ResolveTrial("run-1", "legacy"); got != "run-1" {
		t.Fatalf("ResolveTrial = %q, want run-1", got)
	}
	if got := ResolveTrial(); got != "" {
		t.Fatalf("ResolveTrial() = %q, want empty", got)
	}
}
