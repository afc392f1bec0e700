package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func orchestratorTestConfig() *Config {
	return &Config{
		Enabled:             true,
		Backend:             "mock",
		MaxActiveSandboxes:  100,
		MaxSandboxesPerUser: 3,
		IdleTimeout:         30 * time.Minute,
		MaxLifetime:         4 * time.Hour,
		QueryTimeout:        30 * time.Second,
		MaxResultRows:       1000,
		CleanupBatchSize:    10,
		AllowedQueryTypes:   []string{"SELECT", "INSERT", "UPDATE", "DELETE"},
		BlockedPatterns:     []string{`\bDROP\b`, `\bALTER\b`, `\bTRUNCATE\b`},
		SchemaPrefix:        "sandbox_user_",
	}
}

type testHarness struct {
	orch        *Orchestrator
	registry    *InMemoryRegistry
	provisioner *MockProvisioner
	fixtures    FixtureSource
}

func newTestHarness(t *testing.T, cfg *Config) *testHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	fixtures := NewStaticFixtureSource()

	provisioner, runner, err := NewBackend(logger, cfg, fixtures)
	require.NoError(t, err)

	registry := NewInMemoryRegistry(logger, cfg)
	orch := NewOrchestrator(logger, cfg, registry, provisioner, runner, fixtures)

	return &testHarness{
		orch:        orch,
		registry:    registry,
		provisioner: provisioner.(*MockProvisioner),
		fixtures:    fixtures,
	}
}

func TestOrchestratorLifecycle(t *testing.T) {
	h := newTestHarness(t, orchestratorTestConfig())
	ctx := context.Background()

	sb, err := h.orch.CreateSandbox(ctx, 42, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sb.Status)

	exists, err := h.provisioner.SchemaExists(ctx, sb.SchemaName)
	require.NoError(t, err)
	assert.True(t, exists)

	t.Run("ExecuteSelect", func(t *testing.T) {
		result, err := h.orch.ExecuteQuery(ctx, sb.ID, "SELECT * FROM employees")
		require.NoError(t, err)
		assert.Equal(t, []string{"id", "name", "department", "salary"}, result.Columns)
		assert.Equal(t, 5, result.RowCount)

		status, err := h.orch.GetStatus(sb.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, status.QueryCount)
	})

	t.Run("InvalidQueryRejected", func(t *testing.T) {
		_, err := h.orch.ExecuteQuery(ctx, sb.ID, "DROP TABLE employees")
		require.Error(t, err)

		var vErr *ValidationError
		require.True(t, errors.As(err, &vErr))
		assert.Contains(t, vErr.Error(), "DROP")

		// A rejected query never counts as access
		status, err := h.orch.GetStatus(sb.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, status.QueryCount)
	})

	t.Run("Destroy", func(t *testing.T) {
		destroyed, err := h.orch.DestroySandbox(ctx, sb.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusDestroyed, destroyed.Status)

		exists, err := h.provisioner.SchemaExists(ctx, sb.SchemaName)
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = h.orch.DestroySandbox(ctx, sb.ID)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestOrchestratorExpiry(t *testing.T) {
	h := newTestHarness(t, orchestratorTestConfig())
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.registry.now = func() time.Time { return base }

	sb, err := h.orch.CreateSandbox(ctx, 1, 1)
	require.NoError(t, err)

	t.Run("GetStatusLazilyExpires", func(t *testing.T) {
		h.orch.now = func() time.Time { return base.Add(5 * time.Hour) }

		status, err := h.orch.GetStatus(sb.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, status.Status)
	})

	t.Run("ExpiredSandboxRefusesQueries", func(t *testing.T) {
		_, err := h.orch.ExecuteQuery(ctx, sb.ID, "SELECT 1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidState))
	})
}

func TestOrchestratorExecuteOnExpiredTransition(t *testing.T) {
	h := newTestHarness(t, orchestratorTestConfig())
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.registry.now = func() time.Time { return base }

	sb, err := h.orch.CreateSandbox(ctx, 1, 1)
	require.NoError(t, err)

	// Still active in the registry, but past its TTL at execution time
	h.orch.now = func() time.Time { return base.Add(5 * time.Hour) }

	_, err = h.orch.ExecuteQuery(ctx, sb.ID, "SELECT 1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExpired))

	status, err := h.orch.GetStatus(sb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, status.Status)
}

func TestOrchestratorCheckQuery(t *testing.T) {
	ctx := context.Background()

	t.Run("MatchingResultPasses", func(t *testing.T) {
		h := newTestHarness(t, orchestratorTestConfig())
		sb, err := h.orch.CreateSandbox(ctx, 1, 1)
		require.NoError(t, err)

		outcome, err := h.orch.CheckQuery(ctx, sb.ID, "SELECT * FROM employees")
		require.NoError(t, err)
		assert.True(t, outcome.Passed)
		assert.Empty(t, outcome.Differences)
		assert.Contains(t, outcome.Message, "matches")
	})

	t.Run("MismatchReportsDifferences", func(t *testing.T) {
		cfg := orchestratorTestConfig()
		logger := zaptest.NewLogger(t)

		// The fixture dataset and expected result disagree, so any
		// execution fails the check.
		fixtures := &staticFixtureStub{fixture: &Fixture{
			Dataset: &ExpectedResult{
				Columns: []string{"id"},
				Rows:    [][]any{{1}, {2}},
			},
			Expected: &ExpectedResult{
				Columns: []string{"id"},
				Rows:    [][]any{{1}, {3}},
			},
		}}

		provisioner, runner, err := NewBackend(logger, cfg, fixtures)
		require.NoError(t, err)
		registry := NewInMemoryRegistry(logger, cfg)
		orch := NewOrchestrator(logger, cfg, registry, provisioner, runner, fixtures)

		sb, err := orch.CreateSandbox(ctx, 1, 7)
		require.NoError(t, err)

		outcome, err := orch.CheckQuery(ctx, sb.ID, "SELECT id FROM t")
		require.NoError(t, err)
		assert.False(t, outcome.Passed)
		assert.NotEmpty(t, outcome.Differences)
		assert.Contains(t, outcome.Message, "doesn't match")
	})

	t.Run("NoExpectedResult", func(t *testing.T) {
		h := newTestHarness(t, orchestratorTestConfig())
		sb, err := h.orch.CreateSandbox(ctx, 1, 99)
		require.NoError(t, err)

		outcome, err := h.orch.CheckQuery(ctx, sb.ID, "SELECT 1")
		require.NoError(t, err)
		assert.False(t, outcome.Passed)
		assert.Contains(t, outcome.Message, "no expected result")
	})
}

// staticFixtureStub serves one fixture for every lesson.
type staticFixtureStub struct {
	fixture *Fixture
}

func (s *staticFixtureStub) Fixture(int64) (*Fixture, bool) {
	return s.fixture, s.fixture != nil
}

// failingProvisioner fails a chosen provisioning step to exercise rollback.
type failingProvisioner struct {
	*MockProvisioner
	failSeed bool
	failUser bool
}

func (p *failingProvisioner) SeedFixtures(ctx context.Context, name string, lessonID int64) error {
	if p.failSeed {
		return errors.New("seed failed")
	}
	return p.MockProvisioner.SeedFixtures(ctx, name, lessonID)
}

func (p *failingProvisioner) CreateRestrictedUser(ctx context.Context, username, password, schema string) error {
	if p.failUser {
		return errors.New("user creation failed")
	}
	return p.MockProvisioner.CreateRestrictedUser(ctx, username, password, schema)
}

func TestOrchestratorCreateRollback(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, provisioner SchemaProvisioner) {
		t.Helper()
		cfg := orchestratorTestConfig()
		logger := zaptest.NewLogger(t)
		fixtures := NewStaticFixtureSource()

		guard, err := NewGuard(cfg, nil)
		require.NoError(t, err)
		runner := NewMockRunner(logger, cfg, guard, fixtures)
		registry := NewInMemoryRegistry(logger, cfg)
		orch := NewOrchestrator(logger, cfg, registry, provisioner, runner, fixtures)

		_, err = orch.CreateSandbox(ctx, 1, 1)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrProvisioningFailed))

		// Nothing remains registered; the quota slot is free again
		assert.Empty(t, registry.ListByUser(1))
	}

	t.Run("SeedFailure", func(t *testing.T) {
		mock := NewMockProvisioner(zaptest.NewLogger(t), NewStaticFixtureSource())
		run(t, &failingProvisioner{MockProvisioner: mock, failSeed: true})
	})

	t.Run("UserCreationFailure", func(t *testing.T) {
		mock := NewMockProvisioner(zaptest.NewLogger(t), NewStaticFixtureSource())
		run(t, &failingProvisioner{MockProvisioner: mock, failUser: true})
	})
}

func TestOrchestratorCleanupExpired(t *testing.T) {
	h := newTestHarness(t, orchestratorTestConfig())
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.registry.now = func() time.Time { return base }

	first, err := h.orch.CreateSandbox(ctx, 1, 1)
	require.NoError(t, err)
	second, err := h.orch.CreateSandbox(ctx, 2, 2)
	require.NoError(t, err)

	h.registry.now = func() time.Time { return base.Add(5 * time.Hour) }

	result := h.orch.CleanupExpired(ctx)
	assert.Equal(t, 2, result.Cleaned)
	assert.Zero(t, result.Failed)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, result.CleanedIDs)

	for _, sb := range []*Sandbox{first, second} {
		_, err := h.orch.GetStatus(sb.ID)
		assert.True(t, errors.Is(err, ErrNotFound))

		exists, err := h.provisioner.SchemaExists(ctx, sb.SchemaName)
		require.NoError(t, err)
		assert.False(t, exists, "engine resources must be released")
	}
}

func TestOrchestratorServiceDisabled(t *testing.T) {
	cfg := orchestratorTestConfig()
	cfg.Enabled = false
	h := newTestHarness(t, cfg)
	ctx := context.Background()

	_, err := h.orch.CreateSandbox(ctx, 1, 1)
	assert.True(t, errors.Is(err, ErrServiceDisabled))

	_, err = h.orch.ExecuteQuery(ctx, "any", "SELECT 1")
	assert.True(t, errors.Is(err, ErrServiceDisabled))

	_, err = h.orch.CheckQuery(ctx, "any", "SELECT 1")
	assert.True(t, errors.Is(err, ErrServiceDisabled))

	_, err = h.orch.DestroySandbox(ctx, "any")
	assert.True(t, errors.Is(err, ErrServiceDisabled))
}

func TestOrchestratorUnknownSandbox(t *testing.T) {
	h := newTestHarness(t, orchestratorTestConfig())
	ctx := context.Background()

	_, err := h.orch.GetStatus("no-such-id")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = h.orch.ExecuteQuery(ctx, "no-such-id", "SELECT 1")
	assert.True(t, errors.Is(err, ErrNotFound))
}
