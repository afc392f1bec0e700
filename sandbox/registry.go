package sandbox

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry is the in-memory lifecycle store of sandbox records. It enforces
// the per-user and global quotas, tracks TTLs and performs expiry sweeps. The
// registry is process-local and does not survive restarts.
type Registry interface {
	// Create atomically checks both quotas and inserts a new record in the
	// creating state, with a freshly generated schema-scoped credential.
	// There is no window where two concurrent creates both observe free
	// capacity when only one slot remains.
	Create(userID, lessonID int64) (*Sandbox, error)

	// Get returns a copy of the record, or false when the id is unknown.
	Get(id string) (*Sandbox, bool)

	// ListByUser returns copies of all records owned by the user.
	ListByUser(userID int64) []*Sandbox

	// SetStatus applies a forward-only status transition. Backward
	// transitions are ignored.
	SetStatus(id string, status Status) bool

	// Touch records one query against the sandbox: increments the query
	// count, stamps the access time, and slides the expiry forward by the
	// idle timeout, capped by the absolute lifetime ceiling fixed at
	// creation.
	Touch(id string)

	// Destroy removes the record, reporting whether it existed.
	Destroy(id string) bool

	// SweepExpired removes up to batchSize active records whose expiry has
	// elapsed, returning the sweep summary and copies of the removed
	// records so the caller can tear down their engine resources.
	SweepExpired(batchSize int) (CleanupResult, []*Sandbox)
}

// InMemoryRegistry implements Registry with a single mutex guarding all
// bookkeeping. Registry operations are pure in-memory work; nothing blocks
// under the lock.
type InMemoryRegistry struct {
	cfg    *Config
	logger *zap.Logger

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
	byUser    map[int64][]string

	now func() time.Time
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry(logger *zap.Logger, cfg *Config) *InMemoryRegistry {
	return &InMemoryRegistry{
		cfg:       cfg,
		logger:    logger,
		sandboxes: make(map[string]*Sandbox),
		byUser:    make(map[int64][]string),
		now:       time.Now,
	}
}

// Create implements Registry.
func (r *InMemoryRegistry) Create(userID, lessonID int64) (*Sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Creating counts against the quota too, so racing creates cannot
	// overshoot while provisioning is still in flight.
	userActive := 0
	for _, id := range r.byUser[userID] {
		if sb, ok := r.sandboxes[id]; ok && (sb.Status == StatusCreating || sb.Status == StatusActive) {
			userActive++
		}
	}
	if userActive >= r.cfg.MaxSandboxesPerUser {
		return nil, fmt.Errorf("%w: user has reached maximum of %d active sandboxes",
			ErrQuotaExceeded, r.cfg.MaxSandboxesPerUser)
	}

	if len(r.sandboxes) >= r.cfg.MaxActiveSandboxes {
		return nil, fmt.Errorf("%w: system has reached maximum of %d active sandboxes",
			ErrQuotaExceeded, r.cfg.MaxActiveSandboxes)
	}

	password, err := generatePassword(32)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	now := r.now()
	schemaName := fmt.Sprintf("%s%d_%d", r.cfg.SchemaPrefix, userID, now.UnixNano())

	sb := &Sandbox{
		ID:             uuid.NewString(),
		UserID:         userID,
		LessonID:       lessonID,
		SchemaName:     schemaName,
		Username:       schemaName,
		Password:       password,
		Status:         StatusCreating,
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.cfg.MaxLifetime),
		LastAccessedAt: now,
	}

	r.sandboxes[sb.ID] = sb
	r.byUser[userID] = append(r.byUser[userID], sb.ID)

	return sb.clone(), nil
}

// Get implements Registry.
func (r *InMemoryRegistry) Get(id string) (*Sandbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, ok := r.sandboxes[id]
	if !ok {
		return nil, false
	}
	return sb.clone(), true
}

// ListByUser implements Registry.
func (r *InMemoryRegistry) ListByUser(userID int64) []*Sandbox {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byUser[userID]
	out := make([]*Sandbox, 0, len(ids))
	for _, id := range ids {
		if sb, ok := r.sandboxes[id]; ok {
			out = append(out, sb.clone())
		}
	}
	return out
}

// SetStatus implements Registry.
func (r *InMemoryRegistry) SetStatus(id string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, ok := r.sandboxes[id]
	if !ok {
		return false
	}
	if statusRank[status] < statusRank[sb.Status] {
		r.logger.Warn("ignoring backward status transition",
			zap.String("sandbox_id", id),
			zap.String("from", string(sb.Status)),
			zap.String("to", string(status)))
		return false
	}
	sb.Status = status
	return true
}

// Touch implements Registry.
func (r *InMemoryRegistry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, ok := r.sandboxes[id]
	if !ok {
		return
	}

	now := r.now()
	sb.QueryCount++
	sb.LastAccessedAt = now

	// Sliding expiry: only ever tighten, never extend past the lifetime
	// ceiling fixed at creation.
	if slid := now.Add(r.cfg.IdleTimeout); slid.Before(sb.ExpiresAt) {
		sb.ExpiresAt = slid
	}
}

// Destroy implements Registry.
func (r *InMemoryRegistry) Destroy(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *InMemoryRegistry) removeLocked(id string) bool {
	sb, ok := r.sandboxes[id]
	if !ok {
		return false
	}
	sb.Status = StatusDestroyed
	delete(r.sandboxes, id)

	ids := r.byUser[sb.UserID]
	for i, sid := range ids {
		if sid == id {
			r.byUser[sb.UserID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byUser[sb.UserID]) == 0 {
		delete(r.byUser, sb.UserID)
	}
	return true
}

// SweepExpired implements Registry. Records still in the creating state are
// never sweep candidates, so an in-flight create cannot be destroyed under
// the orchestrator.
func (r *InMemoryRegistry) SweepExpired(batchSize int) (CleanupResult, []*Sandbox) {
	start := time.Now()

	r.mu.Lock()
	now := r.now()
	var expired []*Sandbox
	for _, sb := range r.sandboxes {
		if sb.Status == StatusActive && sb.IsExpired(now) {
			expired = append(expired, sb)
		}
	}
	if len(expired) > batchSize {
		expired = expired[:batchSize]
	}

	result := CleanupResult{CleanedIDs: []string{}}
	swept := make([]*Sandbox, 0, len(expired))
	for _, sb := range expired {
		rec := sb.clone()
		rec.Status = StatusExpired
		r.removeLocked(sb.ID)
		swept = append(swept, rec)
		result.CleanedIDs = append(result.CleanedIDs, rec.ID)
	}
	r.mu.Unlock()

	result.Cleaned = len(result.CleanedIDs)
	result.Duration = time.Since(start)
	return result, swept
}

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generatePassword returns a random alphanumeric credential for a restricted
// sandbox user.
func generatePassword(length int) (string, error) {
	out := make([]byte, length)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		out[i] = passwordAlphabet[n.Int64()]
	}
	return string(out), nil
}
