package sandbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

// identifierRe restricts schema and user names to what the registry
// generates. Names are interpolated into DDL, so anything else is refused
// outright.
var identifierRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// MySQLProvisioner implements SchemaProvisioner against a MySQL server using
// administrative credentials. Each sandbox schema is a separate database on
// the shared instance.
type MySQLProvisioner struct {
	logger   *zap.Logger
	cfg      *Config
	fixtures FixtureSource
}

// NewMySQLProvisioner creates a provisioner for the configured server.
func NewMySQLProvisioner(logger *zap.Logger, cfg *Config, fixtures FixtureSource) *MySQLProvisioner {
	return &MySQLProvisioner{
		logger:   logger,
		cfg:      cfg,
		fixtures: fixtures,
	}
}

// adminDSN builds a DSN with admin credentials, optionally scoped to one
// database. Client-side interpolation is enabled because CREATE USER cannot
// be server-side prepared.
func adminDSN(cfg *Config, database string) string {
	mc := mysql.NewConfig()
	mc.User = cfg.MySQLAdminUser
	mc.Passwd = cfg.MySQLAdminPassword
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.MySQLHost, cfg.MySQLPort)
	mc.DBName = database
	mc.ParseTime = true
	mc.InterpolateParams = true
	return mc.FormatDSN()
}

// sandboxDSN builds a DSN with the sandbox's restricted credential, scoped to
// its own schema. Queries never run as admin.
func sandboxDSN(cfg *Config, sb *Sandbox) string {
	mc := mysql.NewConfig()
	mc.User = sb.Username
	mc.Passwd = sb.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.MySQLHost, cfg.MySQLPort)
	mc.DBName = sb.SchemaName
	mc.ParseTime = true
	return mc.FormatDSN()
}

// adminConnect opens a dedicated admin connection. Provisioning operations
// are rare enough that per-call connections keep the isolation story simple.
func (p *MySQLProvisioner) adminConnect(database string) (*sql.DB, error) {
	db, err := sql.Open("mysql", adminDSN(p.cfg, database))
	if err != nil {
		return nil, fmt.Errorf("failed to open admin connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// CreateSchema implements SchemaProvisioner. Unlike teardown, creation is
// strict: an existing schema with the same name is an error, never reused.
func (p *MySQLProvisioner) CreateSchema(ctx context.Context, name string) error {
	if err := checkIdentifier(name); err != nil {
		return err
	}
	db, err := p.adminConnect("")
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE `%s`", name)); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", name, err)
	}
	return nil
}

// SeedFixtures implements SchemaProvisioner.
func (p *MySQLProvisioner) SeedFixtures(ctx context.Context, name string, lessonID int64) error {
	if err := checkIdentifier(name); err != nil {
		return err
	}
	exists, err := p.SchemaExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("schema %s does not exist", name)
	}

	fixture, ok := p.fixtures.Fixture(lessonID)
	if !ok {
		p.logger.Debug("no fixture for lesson", zap.Int64("lesson_id", lessonID))
		return nil
	}

	db, err := p.adminConnect(name)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, stmt := range SplitStatements(fixture.Script) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to seed fixture for lesson %d: %w", lessonID, err)
		}
	}
	return nil
}

// CreateRestrictedUser implements SchemaProvisioner. The grant covers data
// access on the sandbox schema only; no administrative privilege and no
// other schema is ever reachable with this principal.
func (p *MySQLProvisioner) CreateRestrictedUser(ctx context.Context, username, password, schema string) error {
	if err := checkIdentifier(username); err != nil {
		return err
	}
	if err := checkIdentifier(schema); err != nil {
		return err
	}
	db, err := p.adminConnect("")
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx,
		fmt.Sprintf("CREATE USER IF NOT EXISTS '%s'@'%%' IDENTIFIED BY ?", username), password); err != nil {
		return fmt.Errorf("failed to create user %s: %w", username, err)
	}
	if _, err := db.ExecContext(ctx,
		fmt.Sprintf("GRANT SELECT, INSERT, UPDATE, DELETE ON `%s`.* TO '%s'@'%%'", schema, username)); err != nil {
		return fmt.Errorf("failed to grant privileges to %s: %w", username, err)
	}
	if _, err := db.ExecContext(ctx, "FLUSH PRIVILEGES"); err != nil {
		return fmt.Errorf("failed to flush privileges: %w", err)
	}
	return nil
}

// DropUser implements SchemaProvisioner.
func (p *MySQLProvisioner) DropUser(ctx context.Context, username string) error {
	if err := checkIdentifier(username); err != nil {
		return err
	}
	db, err := p.adminConnect("")
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP USER IF EXISTS '%s'@'%%'", username)); err != nil {
		return fmt.Errorf("failed to drop user %s: %w", username, err)
	}
	if _, err := db.ExecContext(ctx, "FLUSH PRIVILEGES"); err != nil {
		return fmt.Errorf("failed to flush privileges: %w", err)
	}
	return nil
}

// DropSchema implements SchemaProvisioner.
func (p *MySQLProvisioner) DropSchema(ctx context.Context, name string) error {
	if err := checkIdentifier(name); err != nil {
		return err
	}
	db, err := p.adminConnect("")
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", name)); err != nil {
		return fmt.Errorf("failed to drop schema %s: %w", name, err)
	}
	return nil
}

// SchemaExists implements SchemaProvisioner.
func (p *MySQLProvisioner) SchemaExists(ctx context.Context, name string) (bool, error) {
	db, err := p.adminConnect("")
	if err != nil {
		return false, err
	}
	defer db.Close()

	var found string
	err = db.QueryRowContext(ctx,
		"SELECT SCHEMA_NAME FROM INFORMATION_SCHEMA.SCHEMATA WHERE SCHEMA_NAME = ?", name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up schema %s: %w", name, err)
	}
	return true, nil
}

// SchemaSizeBytes implements SchemaProvisioner.
func (p *MySQLProvisioner) SchemaSizeBytes(ctx context.Context, name string) (int64, error) {
	db, err := p.adminConnect("")
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var size sql.NullInt64
	err = db.QueryRowContext(ctx,
		"SELECT SUM(DATA_LENGTH + INDEX_LENGTH) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = ?", name).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("failed to measure schema %s: %w", name, err)
	}
	if !size.Valid {
		return 0, nil
	}
	return size.Int64, nil
}

func checkIdentifier(name string) error {
	if !identifierRe.MatchString(name) {
		return fmt.Errorf("invalid identifier: %q", name)
	}
	return nil
}

// MySQLRunner implements QueryRunner against a MySQL server. Every call
// opens a connection dedicated to the sandbox's schema; there is no
// cross-sandbox pooling, by choice of isolation over connection reuse.
type MySQLRunner struct {
	logger   *zap.Logger
	cfg      *Config
	guard    *Guard
	schemaRe *regexp.Regexp
}

// NewMySQLRunner creates a runner for the configured server.
func NewMySQLRunner(logger *zap.Logger, cfg *Config, guard *Guard) *MySQLRunner {
	return &MySQLRunner{
		logger:   logger,
		cfg:      cfg,
		guard:    guard,
		schemaRe: regexp.MustCompile(regexp.QuoteMeta(cfg.SchemaPrefix) + `\d+_\d+`),
	}
}

// Execute implements QueryRunner.
func (r *MySQLRunner) Execute(ctx context.Context, sb *Sandbox, query string) (*QueryResult, error) {
	validation := r.guard.Validate(query, sb.LessonID)
	if !validation.Valid {
		return nil, &ValidationError{Errors: validation.Errors}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	defer cancel()

	db, err := sql.Open("mysql", sandboxDSN(r.cfg, sb))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutionFailed, r.sanitizeError(err.Error()))
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, r.mapExecError(ctx, err)
	}
	defer conn.Close()

	// Server-side guard on top of the context deadline. Only applies to
	// SELECT on MySQL, but costs nothing for the rest.
	timeoutMS := r.cfg.QueryTimeout.Milliseconds()
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET SESSION max_execution_time=%d", timeoutMS)); err != nil {
		return nil, r.mapExecError(ctx, err)
	}

	// Execution time covers the statement only, not validation or
	// connection setup.
	start := time.Now()

	if validation.QueryType == "SELECT" || validation.QueryType == "WITH" {
		result, err := r.runSelect(ctx, conn, query)
		if err != nil {
			return nil, r.mapExecError(ctx, err)
		}
		result.ExecutionTime = time.Since(start).Seconds()
		return result, nil
	}

	res, err := conn.ExecContext(ctx, query)
	if err != nil {
		return nil, r.mapExecError(ctx, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return &QueryResult{
		Columns:       []string{},
		Rows:          [][]any{},
		ExecutionTime: time.Since(start).Seconds(),
		AffectedRows:  &affected,
	}, nil
}

// runSelect fetches at most the configured row cap. Overflow is silent
// truncation, not an error.
func (r *MySQLRunner) runSelect(ctx context.Context, conn *sql.Conn, query string) (*QueryResult, error) {
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([][]any, 0)
	for len(out) < r.cfg.MaxResultRows && rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &QueryResult{
		Columns:  columns,
		Rows:     out,
		RowCount: len(out),
	}, nil
}

// Validate implements QueryRunner.
func (r *MySQLRunner) Validate(query string, lessonID int64) ValidationResult {
	return r.guard.Validate(query, lessonID)
}

// mapExecError classifies an execution failure: deadline expiry is reported
// as a timeout, everything else as a sanitized execution error. Note the
// server-side statement is not guaranteed to be terminated past the
// deadline; the caller only gets its connection back.
func (r *MySQLRunner) mapExecError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: query execution exceeded timeout of %s", ErrTimedOut, r.cfg.QueryTimeout)
	}
	return fmt.Errorf("%w: %s", ErrExecutionFailed, r.sanitizeError(err.Error()))
}

var (
	pathRe = regexp.MustCompile(`/[/\w.-]+`)
	ipRe   = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRe = regexp.MustCompile(`:(\d{4,5})`)
)

const maxErrorLength = 500

// sanitizeError strips filesystem paths, IP addresses, port numbers and
// sandbox schema names from an engine error before it reaches the user.
func (r *MySQLRunner) sanitizeError(msg string) string {
	msg = pathRe.ReplaceAllString(msg, "[path]")
	msg = ipRe.ReplaceAllString(msg, "[ip]")
	msg = portRe.ReplaceAllString(msg, ":[port]")
	msg = r.schemaRe.ReplaceAllString(msg, "[schema]")
	if len(msg) > maxErrorLength {
		// Back up to a rune boundary so truncation never splits a
		// multi-byte character.
		cut := maxErrorLength
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	return msg
}
