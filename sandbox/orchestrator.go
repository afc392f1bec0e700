package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// QueryOutcome is the answer-checking view of an execution: the raw result
// plus the verdict against the lesson's expected result when comparison was
// requested.
type QueryOutcome struct {
	Passed      bool         `json:"passed"`
	Result      *QueryResult `json:"result"`
	Differences []string     `json:"differences"`
	Message     string       `json:"message"`
}

// Orchestrator composes the registry, provisioner and runner into the
// sandbox lifecycle operations. It is the only component that drives status
// transitions.
type Orchestrator struct {
	logger      *zap.Logger
	cfg         *Config
	registry    Registry
	provisioner SchemaProvisioner
	runner      QueryRunner
	fixtures    FixtureSource

	now func() time.Time
}

// NewOrchestrator wires the sandbox subsystem together.
func NewOrchestrator(
	logger *zap.Logger,
	cfg *Config,
	registry Registry,
	provisioner SchemaProvisioner,
	runner QueryRunner,
	fixtures FixtureSource,
) *Orchestrator {
	return &Orchestrator{
		logger:      logger,
		cfg:         cfg,
		registry:    registry,
		provisioner: provisioner,
		runner:      runner,
		fixtures:    fixtures,
		now:         time.Now,
	}
}

// CreateSandbox provisions a fresh sandbox for the user and lesson: registry
// slot, schema, restricted user, fixture data, then activation. Any step
// failure rolls back everything provisioned so far before the error is
// returned; a half-created sandbox is never left registered.
func (o *Orchestrator) CreateSandbox(ctx context.Context, userID, lessonID int64) (*Sandbox, error) {
	if !o.cfg.Enabled {
		return nil, ErrServiceDisabled
	}

	sb, err := o.registry.Create(userID, lessonID)
	if err != nil {
		return nil, err
	}

	if err := o.provisioner.CreateSchema(ctx, sb.SchemaName); err != nil {
		o.rollbackCreate(ctx, sb, false, false)
		return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	if err := o.provisioner.CreateRestrictedUser(ctx, sb.Username, sb.Password, sb.SchemaName); err != nil {
		o.rollbackCreate(ctx, sb, true, false)
		return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	if err := o.provisioner.SeedFixtures(ctx, sb.SchemaName, lessonID); err != nil {
		o.rollbackCreate(ctx, sb, true, true)
		return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	o.registry.SetStatus(sb.ID, StatusActive)

	if size, err := o.provisioner.SchemaSizeBytes(ctx, sb.SchemaName); err == nil && o.cfg.MaxSchemaSizeBytes > 0 && size > o.cfg.MaxSchemaSizeBytes {
		o.logger.Warn("sandbox schema exceeds size quota after seeding",
			zap.String("sandbox_id", sb.ID),
			zap.Int64("size_bytes", size),
			zap.Int64("limit_bytes", o.cfg.MaxSchemaSizeBytes))
	}

	created, _ := o.registry.Get(sb.ID)
	o.logger.Info("sandbox created",
		zap.String("sandbox_id", sb.ID),
		zap.Int64("user_id", userID),
		zap.Int64("lesson_id", lessonID),
		zap.String("schema", sb.SchemaName))
	return created, nil
}

// rollbackCreate tears down a failed creation best-effort: mark the record
// as failed, drop whatever was provisioned, then remove the record.
func (o *Orchestrator) rollbackCreate(ctx context.Context, sb *Sandbox, schemaCreated, userCreated bool) {
	o.registry.SetStatus(sb.ID, StatusError)
	if userCreated {
		if err := o.provisioner.DropUser(ctx, sb.Username); err != nil {
			o.logger.Error("rollback: failed to drop user",
				zap.String("sandbox_id", sb.ID), zap.Error(err))
		}
	}
	if schemaCreated {
		if err := o.provisioner.DropSchema(ctx, sb.SchemaName); err != nil {
			o.logger.Error("rollback: failed to drop schema",
				zap.String("sandbox_id", sb.ID), zap.Error(err))
		}
	}
	o.registry.Destroy(sb.ID)
}

// GetStatus returns the current record, lazily transitioning an active
// sandbox whose TTL elapsed to expired.
func (o *Orchestrator) GetStatus(id string) (*Sandbox, error) {
	sb, ok := o.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if sb.Status == StatusActive && sb.IsExpired(o.now()) {
		o.registry.SetStatus(id, StatusExpired)
		sb, _ = o.registry.Get(id)
	}
	return sb, nil
}

// ExecuteQuery runs a statement in the sandbox. The sandbox must be active
// and unexpired; on success the access bookkeeping is updated.
func (o *Orchestrator) ExecuteQuery(ctx context.Context, id, query string) (*QueryResult, error) {
	if !o.cfg.Enabled {
		return nil, ErrServiceDisabled
	}

	sb, ok := o.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if sb.Status == StatusActive && sb.IsExpired(o.now()) {
		o.registry.SetStatus(id, StatusExpired)
		return nil, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	if sb.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, id, sb.Status)
	}

	result, err := o.runner.Execute(ctx, sb, query)
	if err != nil {
		return nil, err
	}

	o.registry.Touch(id)
	return result, nil
}

// CheckQuery executes a statement and, when the lesson defines an expected
// result, compares against it order-insensitively. Without an expected
// result the execution succeeds but cannot be graded.
func (o *Orchestrator) CheckQuery(ctx context.Context, id, query string) (*QueryOutcome, error) {
	if !o.cfg.Enabled {
		return nil, ErrServiceDisabled
	}

	sb, ok := o.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	result, err := o.ExecuteQuery(ctx, id, query)
	if err != nil {
		return nil, err
	}

	fixture, ok := o.fixtures.Fixture(sb.LessonID)
	if !ok || fixture.Expected == nil {
		return &QueryOutcome{
			Passed:      false,
			Result:      result,
			Differences: []string{"no expected result defined for this lesson"},
			Message:     "cannot validate: no expected result available",
		}, nil
	}

	matches, differences := CompareResults(result, fixture.Expected, false)
	message := "your query result matches the expected output"
	if !matches {
		message = "your query result doesn't match the expected output, review the differences"
	}
	return &QueryOutcome{
		Passed:      matches,
		Result:      result,
		Differences: differences,
		Message:     message,
	}, nil
}

// DestroySandbox tears down the sandbox's schema and user best-effort, then
// unconditionally removes the record. Reclamation never stalls behind a
// partial teardown failure.
func (o *Orchestrator) DestroySandbox(ctx context.Context, id string) (*Sandbox, error) {
	if !o.cfg.Enabled {
		return nil, ErrServiceDisabled
	}

	sb, ok := o.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	o.teardown(ctx, sb)
	o.registry.Destroy(id)

	sb.Status = StatusDestroyed
	o.logger.Info("sandbox destroyed", zap.String("sandbox_id", id))
	return sb, nil
}

// CleanupExpired sweeps expired sandboxes from the registry and tears down
// their engine resources. Per-item teardown failures are tallied without
// aborting the remainder of the batch.
func (o *Orchestrator) CleanupExpired(ctx context.Context) CleanupResult {
	result, swept := o.registry.SweepExpired(o.cfg.CleanupBatchSize)

	for _, sb := range swept {
		if !o.teardown(ctx, sb) {
			result.Failed++
		}
	}

	if result.Cleaned > 0 || result.Failed > 0 {
		o.logger.Info("expired sandbox cleanup finished",
			zap.Int("cleaned", result.Cleaned),
			zap.Int("failed", result.Failed),
			zap.Duration("duration", result.Duration))
	}
	return result
}

// teardown drops the sandbox's engine resources, reporting whether both
// drops succeeded.
func (o *Orchestrator) teardown(ctx context.Context, sb *Sandbox) bool {
	ok := true
	if err := o.provisioner.DropSchema(ctx, sb.SchemaName); err != nil {
		o.logger.Error("failed to drop schema",
			zap.String("sandbox_id", sb.ID),
			zap.String("schema", sb.SchemaName),
			zap.Error(err))
		ok = false
	}
	if err := o.provisioner.DropUser(ctx, sb.Username); err != nil {
		o.logger.Error("failed to drop user",
			zap.String("sandbox_id", sb.ID),
			zap.Error(err))
		ok = false
	}
	return ok
}
