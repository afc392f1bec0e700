package sandbox

import (
	"time"
)

// Status represents the lifecycle state of a sandbox. A sandbox only moves
// forward: creating -> active -> expired/destroyed, with error reachable from
// creating or active and destroyed terminal.
type Status string

// Sandbox lifecycle states
const (
	StatusCreating  Status = "creating"
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusDestroyed Status = "destroyed"
	StatusError     Status = "error"
)

// statusRank orders states for forward-only transition checks.
var statusRank = map[Status]int{
	StatusCreating:  0,
	StatusActive:    1,
	StatusExpired:   2,
	StatusError:     2,
	StatusDestroyed: 3,
}

// Sandbox is an ephemeral, isolated execution context bound to a user and a
// lesson: one schema plus one scoped database credential. Username and
// password are generated once at creation and stored here so execution
// connects as the restricted principal and teardown drops the same principal
// that was granted. Neither is ever serialized.
type Sandbox struct {
	ID             string    `json:"sandbox_id"`
	UserID         int64     `json:"user_id"`
	LessonID       int64     `json:"lesson_id"`
	SchemaName     string    `json:"schema_name"`
	Username       string    `json:"-"`
	Password       string    `json:"-"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	QueryCount     int       `json:"query_count"`
}

// IsExpired reports whether the sandbox TTL has elapsed at the given instant.
func (s *Sandbox) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// clone returns a copy so registry internals are never aliased by callers.
func (s *Sandbox) clone() *Sandbox {
	c := *s
	return &c
}

// QueryResult is the outcome of a single executed statement. For SELECT-style
// statements Rows holds at most the configured row cap; for DML statements
// Rows is empty and AffectedRows carries the engine-reported count.
type QueryResult struct {
	Columns       []string `json:"columns"`
	Rows          [][]any  `json:"rows"`
	RowCount      int      `json:"row_count"`
	ExecutionTime float64  `json:"execution_time"`
	AffectedRows  *int64   `json:"affected_rows,omitempty"`
}

// ValidationResult is the verdict of the query guard. Warnings never affect
// validity; QueryType is empty when no statement type was detected.
type ValidationResult struct {
	Valid     bool     `json:"is_valid"`
	Errors    []string `json:"errors"`
	Warnings  []string `json:"warnings"`
	QueryType string   `json:"query_type,omitempty"`
}

// CleanupResult summarizes one expiry sweep.
type CleanupResult struct {
	Cleaned    int           `json:"cleaned_count"`
	Failed     int           `json:"failed_count"`
	Duration   time.Duration `json:"duration"`
	CleanedIDs []string      `json:"cleaned_sandbox_ids"`
}

// Config holds sandbox subsystem configuration. It is immutable after
// construction and shared read-only by the guard, registry, runner and
// orchestrator.
type Config struct {
	Enabled bool
	Backend string

	MySQLHost          string
	MySQLPort          int
	MySQLAdminUser     string
	MySQLAdminPassword string

	MaxActiveSandboxes  int
	MaxSandboxesPerUser int

	IdleTimeout  time.Duration
	MaxLifetime  time.Duration
	QueryTimeout time.Duration

	MaxResultRows      int
	MaxSchemaSizeBytes int64

	CleanupBatchSize int

	AllowedQueryTypes []string
	BlockedPatterns   []string

	SchemaPrefix string
	PolicyFile   string
}
