package sandbox

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// SchemaProvisioner creates and destroys isolated schemas and their
// scoped-privilege credentials. Cross-schema administrative operations are
// safe to invoke concurrently for different schema names, and tolerant of a
// racing double-destroy on the same name.
type SchemaProvisioner interface {
	// CreateSchema creates a new isolated schema. It fails if a schema with
	// that name already exists; there is no silent overwrite.
	CreateSchema(ctx context.Context, name string) error

	// SeedFixtures executes the lesson's fixture script, statement by
	// statement, into the schema. It fails if the schema does not exist. A
	// lesson without a fixture is a no-op.
	SeedFixtures(ctx context.Context, name string, lessonID int64) error

	// CreateRestrictedUser creates a database principal with data-access
	// privileges on the target schema only. This is a defense-in-depth
	// layer independent of query validation.
	CreateRestrictedUser(ctx context.Context, username, password, schema string) error

	// DropUser removes the principal. Absent users are not an error.
	DropUser(ctx context.Context, username string) error

	// DropSchema removes the schema. Absent schemas are not an error.
	DropSchema(ctx context.Context, name string) error

	// SchemaExists reports whether the schema is present.
	SchemaExists(ctx context.Context, name string) (bool, error)

	// SchemaSizeBytes returns the on-disk size of the schema's tables.
	SchemaSizeBytes(ctx context.Context, name string) (int64, error)
}

// MockProvisioner implements SchemaProvisioner against in-memory state. It is
// the backend for tests and for running the service without a database.
type MockProvisioner struct {
	logger   *zap.Logger
	fixtures FixtureSource

	mu      sync.Mutex
	schemas map[string]bool
	users   map[string]bool
}

// NewMockProvisioner creates an empty in-memory provisioner.
func NewMockProvisioner(logger *zap.Logger, fixtures FixtureSource) *MockProvisioner {
	return &MockProvisioner{
		logger:   logger,
		fixtures: fixtures,
		schemas:  make(map[string]bool),
		users:    make(map[string]bool),
	}
}

// CreateSchema implements SchemaProvisioner.
func (p *MockProvisioner) CreateSchema(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.schemas[name] {
		return fmt.Errorf("schema %s already exists", name)
	}
	p.schemas[name] = true
	return nil
}

// SeedFixtures implements SchemaProvisioner.
func (p *MockProvisioner) SeedFixtures(_ context.Context, name string, lessonID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.schemas[name] {
		return fmt.Errorf("schema %s does not exist", name)
	}
	if _, ok := p.fixtures.Fixture(lessonID); !ok {
		p.logger.Debug("no fixture for lesson", zap.Int64("lesson_id", lessonID))
	}
	return nil
}

// CreateRestrictedUser implements SchemaProvisioner.
func (p *MockProvisioner) CreateRestrictedUser(_ context.Context, username, _, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[username] = true
	return nil
}

// DropUser implements SchemaProvisioner.
func (p *MockProvisioner) DropUser(_ context.Context, username string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.users, username)
	return nil
}

// DropSchema implements SchemaProvisioner.
func (p *MockProvisioner) DropSchema(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.schemas, name)
	return nil
}

// SchemaExists implements SchemaProvisioner.
func (p *MockProvisioner) SchemaExists(_ context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.schemas[name], nil
}

// SchemaSizeBytes implements SchemaProvisioner.
func (p *MockProvisioner) SchemaSizeBytes(_ context.Context, name string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.schemas[name] {
		return -1, nil
	}
	return 0, nil
}
