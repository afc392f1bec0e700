package sandbox

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ExpectedResult is the reference result set a user's query is checked
// against.
type ExpectedResult struct {
	Columns []string `json:"columns" yaml:"columns"`
	Rows    [][]any  `json:"rows" yaml:"rows"`
}

const (
	maxOrderedDiffs  = 5
	maxExampleRows   = 3
	floatComparePrec = 6
)

// CompareResults diffs an actual result set against the expected one.
// Columns are compared as sets; a mismatch there, or in row count,
// short-circuits without row-level diffing. With ordered=false rows are
// compared as multisets of normalized values, so any permutation of the
// expected rows matches.
func CompareResults(actual *QueryResult, expected *ExpectedResult, ordered bool) (bool, []string) {
	var differences []string

	actualCols := append([]string(nil), actual.Columns...)
	expectedCols := append([]string(nil), expected.Columns...)
	sort.Strings(actualCols)
	sort.Strings(expectedCols)
	if !equalStrings(actualCols, expectedCols) {
		differences = append(differences, fmt.Sprintf(
			"column mismatch: expected %v, got %v", expected.Columns, actual.Columns))
		return false, differences
	}

	if actual.RowCount != len(expected.Rows) {
		differences = append(differences, fmt.Sprintf(
			"row count mismatch: expected %d, got %d", len(expected.Rows), actual.RowCount))
		return false, differences
	}

	if ordered {
		differences = compareOrdered(actual.Rows, expected.Rows)
	} else {
		differences = compareUnordered(actual.Rows, expected.Rows)
	}

	return len(differences) == 0, differences
}

func compareOrdered(actual, expected [][]any) []string {
	var differences []string
	mismatches := 0
	for i := range expected {
		if normalizeRow(actual[i]) == normalizeRow(expected[i]) {
			continue
		}
		if mismatches < maxOrderedDiffs {
			differences = append(differences, fmt.Sprintf(
				"row %d: expected %v, got %v", i, expected[i], actual[i]))
		}
		mismatches++
	}
	if mismatches > maxOrderedDiffs {
		differences = append(differences, "... (more differences)")
	}
	return differences
}

func compareUnordered(actual, expected [][]any) []string {
	actualCounts := rowMultiset(actual)
	expectedCounts := rowMultiset(expected)

	var missing, extra []string
	for key, want := range expectedCounts {
		if actualCounts[key] < want {
			missing = append(missing, key)
		}
	}
	for key, got := range actualCounts {
		if expectedCounts[key] < got {
			extra = append(extra, key)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(extra)

	differences := []string{"row data mismatch (order-insensitive comparison)"}
	if len(missing) > 0 {
		differences = append(differences, fmt.Sprintf(
			"missing rows: %s", strings.Join(truncateExamples(missing), "; ")))
	}
	if len(extra) > 0 {
		differences = append(differences, fmt.Sprintf(
			"unexpected rows: %s", strings.Join(truncateExamples(extra), "; ")))
	}
	return differences
}

func truncateExamples(rows []string) []string {
	if len(rows) > maxExampleRows {
		return rows[:maxExampleRows]
	}
	return rows
}

func rowMultiset(rows [][]any) map[string]int {
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[normalizeRow(row)]++
	}
	return counts
}

// normalizeRow renders a row as a comparable key. Scalars are normalized
// first so that equal values with different wire representations compare
// equal.
func normalizeRow(row []any) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = fmt.Sprintf("%v", normalizeValue(v))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// normalizeValue maps a scalar onto its canonical comparison form: nil passes
// through, floats round to 6 decimal places, temporal values render as
// ISO-8601, and byte strings decode as UTF-8 with lossy fallback. Text that
// parses as a number normalizes like a float: the engine's text protocol
// returns DECIMAL and integer columns as strings, and "75000.00" must compare
// equal to the typed fixture value 75000.0.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case float64:
		return roundFloat(val)
	case float32:
		return roundFloat(float64(val))
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case string:
		return normalizeText(val)
	case []byte:
		return normalizeText(strings.ToValidUTF8(string(val), "�"))
	default:
		return v
	}
}

func normalizeText(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return roundFloat(f)
	}
	return s
}

func roundFloat(f float64) string {
	shift := math.Pow10(floatComparePrec)
	return strconv.FormatFloat(math.Round(f*shift)/shift, 'f', -1, 64)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
