package hwlicense

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/CloudNativeWorks/cnw-hwid-license/keylock"
	"github.com/CloudNativeWorks/cnw-hwid-license/store"
)

const (
	// DefaultGracePeriodDays is the offline grace period when none is configured.
	DefaultGracePeriodDays = 2
	defaultStorageTimeout  = 5 * time.Second
)

// Manager issues and validates hardware-bound licenses and administers
// vouchers on top of a Codec and a store.Store.
type Manager struct {
	codec          *Codec
	store          store.Store
	locker         keylock.Locker
	logger         zerolog.Logger
	now            func() time.Time
	graceDays      int
	storageTimeout time.Duration
	metrics        *Metrics
	validate       *validator.Validate
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLocker sets the per-hardware-ID lock used by Register.
// Default: an in-process keylock.Local.
func WithLocker(l keylock.Locker) ManagerOption {
	return func(m *Manager) {
		m.locker = l
	}
}

// WithLogger sets the logger. Default: zerolog.Nop().
func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithGracePeriodDays sets the offline grace period reported by Validate.
// Negative values are replaced by DefaultGracePeriodDays with a warning.
func WithGracePeriodDays(days int) ManagerOption {
	return func(m *Manager) {
		m.graceDays = days
	}
}

// WithStorageTimeout bounds every store call. Default: 5s.
func WithStorageTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.storageTimeout = d
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a Manager sealing artifacts with codec and persisting
// records in st.
func NewManager(codec *Codec, st store.Store, opts ...ManagerOption) (*Manager, error) {
	if codec == nil {
		return nil, ErrSecretMissing
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	m := &Manager{
		codec:          codec,
		store:          st,
		logger:         zerolog.Nop(),
		now:            time.Now,
		graceDays:      DefaultGracePeriodDays,
		storageTimeout: defaultStorageTimeout,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.locker == nil {
		m.locker = keylock.NewLocal()
	}
	if m.graceDays < 0 {
		m.logger.Warn().Int("grace_period_days", m.graceDays).
			Msg("Offline grace period is negative, defaulting to 2 days")
		m.graceDays = DefaultGracePeriodDays
	}
	if m.storageTimeout <= 0 {
		m.storageTimeout = defaultStorageTimeout
	}
	return m, nil
}

// GracePeriodDays returns the offline grace period reported to clients.
func (m *Manager) GracePeriodDays() int {
	return m.graceDays
}

func (m *Manager) clock() time.Time {
	return m.now().UTC()
}

// storeCtx bounds a single store call.
func (m *Manager) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.storageTimeout)
}
