package sandbox

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func registryTestConfig() *Config {
	return &Config{
		MaxActiveSandboxes:  100,
		MaxSandboxesPerUser: 2,
		IdleTimeout:         30 * time.Minute,
		MaxLifetime:         4 * time.Hour,
		SchemaPrefix:        "sandbox_user_",
	}
}

func TestRegistryCreate(t *testing.T) {
	registry := NewInMemoryRegistry(zaptest.NewLogger(t), registryTestConfig())

	sb, err := registry.Create(42, 1)
	require.NoError(t, err)

	assert.NotEmpty(t, sb.ID)
	assert.Equal(t, int64(42), sb.UserID)
	assert.Equal(t, int64(1), sb.LessonID)
	assert.Equal(t, StatusCreating, sb.Status)
	assert.True(t, strings.HasPrefix(sb.SchemaName, "sandbox_user_42_"))
	assert.Equal(t, sb.SchemaName, sb.Username)
	assert.Len(t, sb.Password, 32)
	assert.Equal(t, sb.CreatedAt.Add(4*time.Hour), sb.ExpiresAt)
	assert.Zero(t, sb.QueryCount)

	got, ok := registry.Get(sb.ID)
	require.True(t, ok)
	assert.Equal(t, sb.ID, got.ID)
}

func TestRegistryQuotas(t *testing.T) {
	t.Run("PerUserQuota", func(t *testing.T) {
		registry := NewInMemoryRegistry(zaptest.NewLogger(t), registryTestConfig())

		_, err := registry.Create(1, 1)
		require.NoError(t, err)
		_, err = registry.Create(1, 2)
		require.NoError(t, err)

		_, err = registry.Create(1, 3)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrQuotaExceeded))

		// Another user is unaffected
		_, err = registry.Create(2, 1)
		require.NoError(t, err)
	})

	t.Run("GlobalQuota", func(t *testing.T) {
		cfg := registryTestConfig()
		cfg.MaxActiveSandboxes = 3
		cfg.MaxSandboxesPerUser = 10
		registry := NewInMemoryRegistry(zaptest.NewLogger(t), cfg)

		for i := int64(1); i <= 3; i++ {
			_, err := registry.Create(i, 1)
			require.NoError(t, err)
		}

		_, err := registry.Create(4, 1)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrQuotaExceeded))
	})

	t.Run("DestroyFreesQuota", func(t *testing.T) {
		registry := NewInMemoryRegistry(zaptest.NewLogger(t), registryTestConfig())

		first, err := registry.Create(1, 1)
		require.NoError(t, err)
		_, err = registry.Create(1, 2)
		require.NoError(t, err)

		require.True(t, registry.Destroy(first.ID))

		_, err = registry.Create(1, 3)
		require.NoError(t, err)
	})

	t.Run("ConcurrentCreatesNeverOvershoot", func(t *testing.T) {
		cfg := registryTestConfig()
		cfg.MaxSandboxesPerUser = 5
		registry := NewInMemoryRegistry(zaptest.NewLogger(t), cfg)

		var wg sync.WaitGroup
		var mu sync.Mutex
		created := 0
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := registry.Create(7, 1); err == nil {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 5, created)
		assert.Len(t, registry.ListByUser(7), 5)
	})
}

func TestRegistryStatusTransitions(t *testing.T) {
	registry := NewInMemoryRegistry(zaptest.NewLogger(t), registryTestConfig())

	sb, err := registry.Create(1, 1)
	require.NoError(t, err)

	t.Run("ForwardTransition", func(t *testing.T) {
		assert.True(t, registry.SetStatus(sb.ID, StatusActive))
		got, _ := registry.Get(sb.ID)
		assert.Equal(t, StatusActive, got.Status)
	})

	t.Run("BackwardTransitionIgnored", func(t *testing.T) {
		assert.False(t, registry.SetStatus(sb.ID, StatusCreating))
		got, _ := registry.Get(sb.ID)
		assert.Equal(t, StatusActive, got.Status)
	})

	t.Run("ExpireThenNoReactivate", func(t *testing.T) {
		assert.True(t, registry.SetStatus(sb.ID, StatusExpired))
		assert.False(t, registry.SetStatus(sb.ID, StatusActive))
		got, _ := registry.Get(sb.ID)
		assert.Equal(t, StatusExpired, got.Status)
	})

	t.Run("UnknownID", func(t *testing.T) {
		assert.False(t, registry.SetStatus("no-such-id", StatusActive))
	})
}

func TestRegistryTouch(t *testing.T) {
	cfg := registryTestConfig()
	registry := NewInMemoryRegistry(zaptest.NewLogger(t), cfg)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	registry.now = func() time.Time { return base }

	sb, err := registry.Create(1, 1)
	require.NoError(t, err)
	ceiling := base.Add(cfg.MaxLifetime)
	require.Equal(t, ceiling, sb.ExpiresAt)

	t.Run("SlidesExpiryForward", func(t *testing.T) {
		registry.now = func() time.Time { return base.Add(1 * time.Hour) }
		registry.Touch(sb.ID)

		got, _ := registry.Get(sb.ID)
		assert.Equal(t, 1, got.QueryCount)
		assert.Equal(t, base.Add(1*time.Hour), got.LastAccessedAt)
		assert.Equal(t, base.Add(1*time.Hour+cfg.IdleTimeout), got.ExpiresAt)
	})

	t.Run("NeverExtendsPastLifetimeCeiling", func(t *testing.T) {
		// Close to the ceiling the slide would overshoot; expiry must
		// stay pinned at the ceiling.
		registry.now = func() time.Time { return ceiling.Add(-10 * time.Minute) }
		registry.Touch(sb.ID)

		got, _ := registry.Get(sb.ID)
		assert.Equal(t, 2, got.QueryCount)
		assert.Equal(t, ceiling, got.ExpiresAt)
	})

	t.Run("UnknownIDIsNoop", func(t *testing.T) {
		registry.Touch("no-such-id")
	})
}

func TestRegistrySweepExpired(t *testing.T) {
	cfg := registryTestConfig()
	cfg.MaxSandboxesPerUser = 10
	registry := NewInMemoryRegistry(zaptest.NewLogger(t), cfg)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	registry.now = func() time.Time { return base }

	active1, err := registry.Create(1, 1)
	require.NoError(t, err)
	active2, err := registry.Create(1, 2)
	require.NoError(t, err)
	creating, err := registry.Create(1, 3)
	require.NoError(t, err)

	registry.SetStatus(active1.ID, StatusActive)
	registry.SetStatus(active2.ID, StatusActive)

	t.Run("NothingExpiredYet", func(t *testing.T) {
		result, swept := registry.SweepExpired(10)
		assert.Zero(t, result.Cleaned)
		assert.Empty(t, swept)
	})

	t.Run("SweepsExpiredActiveOnly", func(t *testing.T) {
		registry.now = func() time.Time { return base.Add(cfg.MaxLifetime + time.Minute) }

		result, swept := registry.SweepExpired(10)
		assert.Equal(t, 2, result.Cleaned)
		require.Len(t, swept, 2)
		for _, sb := range swept {
			assert.Equal(t, StatusExpired, sb.Status)
			assert.Contains(t, result.CleanedIDs, sb.ID)
		}

		// The record still in creating state survives the sweep even
		// though its TTL elapsed.
		_, ok := registry.Get(creating.ID)
		assert.True(t, ok)
		_, ok = registry.Get(active1.ID)
		assert.False(t, ok)
	})
}

func TestRegistrySweepBatchLimit(t *testing.T) {
	cfg := registryTestConfig()
	cfg.MaxSandboxesPerUser = 10
	registry := NewInMemoryRegistry(zaptest.NewLogger(t), cfg)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	registry.now = func() time.Time { return base }

	for i := int64(1); i <= 5; i++ {
		sb, err := registry.Create(1, i)
		require.NoError(t, err)
		registry.SetStatus(sb.ID, StatusActive)
	}

	registry.now = func() time.Time { return base.Add(cfg.MaxLifetime + time.Minute) }

	result, swept := registry.SweepExpired(2)
	assert.Equal(t, 2, result.Cleaned)
	assert.Len(t, swept, 2)

	// The rest is picked up by subsequent sweeps
	result, _ = registry.SweepExpired(10)
	assert.Equal(t, 3, result.Cleaned)
}

func TestGeneratePassword(t *testing.T) {
	first, err := generatePassword(32)
	require.NoError(t, err)
	assert.Len(t, first, 32)

	second, err := generatePassword(32)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	for _, ch := range first {
		assert.Contains(t, passwordAlphabet, string(ch))
	}
}

func TestRegistryDestroy(t *testing.T) {
	registry := NewInMemoryRegistry(zaptest.NewLogger(t), registryTestConfig())

	sb, err := registry.Create(1, 1)
	require.NoError(t, err)

	assert.True(t, registry.Destroy(sb.ID))
	assert.False(t, registry.Destroy(sb.ID))

	_, ok := registry.Get(sb.ID)
	assert.False(t, ok)
	assert.Empty(t, registry.ListByUser(1))
}
