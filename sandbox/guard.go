package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// queryTypePatterns detect the primary statement type. Order matters: the
// SELECT pattern must win over the bare WITH pattern for CTE queries, so the
// first match is taken.
var queryTypePatterns = []struct {
	queryType string
	re        *regexp.Regexp
}{
	{"SELECT", regexp.MustCompile(`(?is)^\s*(?:WITH\s+.+\s+AS\s+.+\s+)?SELECT\b`)},
	{"INSERT", regexp.MustCompile(`(?i)^\s*INSERT\b`)},
	{"UPDATE", regexp.MustCompile(`(?i)^\s*UPDATE\b`)},
	{"DELETE", regexp.MustCompile(`(?i)^\s*DELETE\b`)},
	{"WITH", regexp.MustCompile(`(?i)^\s*WITH\b`)},
	{"CREATE", regexp.MustCompile(`(?i)^\s*CREATE\b`)},
	{"DROP", regexp.MustCompile(`(?i)^\s*DROP\b`)},
	{"ALTER", regexp.MustCompile(`(?i)^\s*ALTER\b`)},
	{"TRUNCATE", regexp.MustCompile(`(?i)^\s*TRUNCATE\b`)},
}

// injectionPatterns are fixed signatures of common SQL injection techniques.
// Each match produces a distinctly named error.
var injectionPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"UNION-based injection", regexp.MustCompile(`(?i)\bUNION\s+(?:ALL\s+)?SELECT\b`)},
	{"stacked queries", regexp.MustCompile(`(?i);\s*(?:SELECT|INSERT|UPDATE|DELETE|DROP|CREATE|ALTER)\b`)},
	{"comment-based bypass", regexp.MustCompile(`(?s)--\s*$|/\*.*?\*/|#`)},
	{"system variable access", regexp.MustCompile(`@@\w+`)},
	{"file write operation", regexp.MustCompile(`(?i)\bINTO\s+(?:OUT|DUMP)FILE\b`)},
	{"bulk load operation", regexp.MustCompile(`(?i)\bLOAD\s+DATA\b`)},
	{"dangerous function call", regexp.MustCompile(`(?i)\b(?:LOAD_FILE|SYSTEM|EXEC)\s*\(`)},
}

// systemSchemas are engine namespaces that sandboxed queries must never
// touch. Checked as dotted references in addition to the configured blocked
// patterns.
var systemSchemas = []string{
	"information_schema",
	"mysql",
	"performance_schema",
	"sys",
}

var systemSchemaPatterns = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(systemSchemas))
	for _, schema := range systemSchemas {
		m[schema] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(schema) + `\.`)
	}
	return m
}()

var whereClauseRe = regexp.MustCompile(`(?i)\bWHERE\b`)

// Guard validates SQL text against the sandbox security policy before any
// execution. Validation is pattern-based, not syntax-aware: a blocked keyword
// inside a string literal is rejected too. That over-blocking is deliberate,
// since the input is untrusted end-user text.
type Guard struct {
	cfg      *Config
	policies *PolicySet
	blocked  []*regexp.Regexp
}

// NewGuard compiles the configured blocked patterns and binds the lesson
// policy set. A nil policy set means the defaults apply to every lesson.
func NewGuard(cfg *Config, policies *PolicySet) (*Guard, error) {
	blocked := make([]*regexp.Regexp, 0, len(cfg.BlockedPatterns))
	for _, pattern := range cfg.BlockedPatterns {
		re, err := regexp.Compile(`(?i)` + pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked pattern %q: %w", pattern, err)
		}
		blocked = append(blocked, re)
	}

	if policies == nil {
		policies, _ = CompilePolicySet(nil)
	}

	return &Guard{
		cfg:      cfg,
		policies: policies,
		blocked:  blocked,
	}, nil
}

// Validate checks a query against the effective policy for the given lesson.
// lessonID 0 means no lesson context; the default policy applies.
func (g *Guard) Validate(query string, lessonID int64) ValidationResult {
	errors := []string{}
	warnings := []string{}

	stripped := strings.TrimSpace(query)
	if stripped == "" {
		return ValidationResult{
			Valid:    false,
			Errors:   []string{"query cannot be empty"},
			Warnings: warnings,
		}
	}

	queryType := detectQueryType(stripped)

	allowedTypes, extraBlocked := g.policies.effective(lessonID, g.cfg.AllowedQueryTypes)

	// Blocked-pattern scan over the full text: defaults plus any lesson
	// additions, never subtractive.
	for _, re := range g.blocked {
		if match := re.FindString(query); match != "" {
			errors = append(errors, fmt.Sprintf(
				"query contains blocked operation: %q. This operation is not allowed in sandbox environments", match))
		}
	}
	for _, re := range extraBlocked {
		if match := re.FindString(query); match != "" {
			errors = append(errors, fmt.Sprintf(
				"query contains blocked operation: %q. This operation is not allowed for this lesson", match))
		}
	}

	for _, sig := range injectionPatterns {
		if sig.re.MatchString(query) {
			errors = append(errors, fmt.Sprintf(
				"query contains potentially dangerous pattern (%s). This is blocked for security reasons", sig.name))
		}
	}

	// Direct dotted system-schema references, independent of the configured
	// pattern list.
	for _, schema := range systemSchemas {
		if systemSchemaPatterns[schema].MatchString(query) {
			errors = append(errors, fmt.Sprintf(
				"access to system schema '%s' is not allowed. Please query only the lesson tables in your sandbox", schema))
		}
	}

	if queryType != "" && !containsType(allowedTypes, queryType) {
		allowed := strings.Join(allowedTypes, ", ")
		if lessonID != 0 {
			errors = append(errors, fmt.Sprintf(
				"query type '%s' is not allowed for this lesson. This lesson only allows: %s", queryType, allowed))
		} else {
			errors = append(errors, fmt.Sprintf(
				"query type '%s' is not allowed. Allowed types: %s", queryType, allowed))
		}
	}

	upper := strings.ToUpper(stripped)
	if strings.Count(upper, "SELECT") > 10 {
		warnings = append(warnings, "query contains many SELECT statements, consider simplifying")
	}
	if len(query) > 5000 {
		warnings = append(warnings, "query is very long (>5000 characters), consider breaking it into smaller parts")
	}
	if (queryType == "DELETE" || queryType == "UPDATE") && !whereClauseRe.MatchString(query) {
		warnings = append(warnings, fmt.Sprintf(
			"%s without WHERE clause detected, this will affect all rows", queryType))
	}

	return ValidationResult{
		Valid:     len(errors) == 0,
		Errors:    errors,
		Warnings:  warnings,
		QueryType: queryType,
	}
}

// detectQueryType returns the primary statement type, or "" when none of the
// known prefixes match.
func detectQueryType(query string) string {
	for _, p := range queryTypePatterns {
		if p.re.MatchString(query) {
			return p.queryType
		}
	}
	return ""
}

func containsType(types []string, queryType string) bool {
	for _, t := range types {
		if t == queryType {
			return true
		}
	}
	return false
}
