package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultTablePrefix = "hwlicense_"

const pgUniqueViolation = "23505"

// validIdentifier matches safe PostgreSQL identifiers (letters, digits, underscores).
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithTablePrefix sets the prefix of the licenses and vouchers tables.
// Default: "hwlicense_".
func WithTablePrefix(prefix string) PostgresOption {
	return func(s *PostgresStore) {
		s.prefix = prefix
	}
}

// PostgresStore implements Store using PostgreSQL. Voucher redemption locks
// the voucher row with SELECT ... FOR UPDATE and commits the usage increment
// together with the new license.
type PostgresStore struct {
	pool     *pgxpool.Pool
	prefix   string
	licenses string
	vouchers string
}

// NewPostgresStore creates a PostgreSQL-backed store.
// It auto-creates the tables and indexes on initialization.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	s := &PostgresStore{
		pool:   pool,
		prefix: defaultTablePrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.licenses = s.prefix + "licenses"
	s.vouchers = s.prefix + "vouchers"
	if !validIdentifier.MatchString(s.licenses) {
		return nil, fmt.Errorf("invalid table prefix %q: must match [a-zA-Z_][a-zA-Z0-9_]*", s.prefix)
	}
	if err := s.ensureTables(ctx); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureTables(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			code            TEXT PRIMARY KEY,
			duration_days   INTEGER NOT NULL,
			allowed_devices INTEGER NOT NULL,
			usage_count     INTEGER NOT NULL DEFAULT 0,
			is_active       BOOLEAN NOT NULL DEFAULT TRUE,
			expiry          TIMESTAMPTZ,
			description     TEXT,
			generated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id                UUID PRIMARY KEY,
			client_name       TEXT NOT NULL,
			hardware_id       TEXT NOT NULL,
			expiry            TIMESTAMPTZ NOT NULL,
			sealed_artifact   TEXT NOT NULL,
			is_active         BOOLEAN NOT NULL DEFAULT TRUE,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_validated_at TIMESTAMPTZ,
			voucher_code      TEXT REFERENCES %[1]s (code)
		);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_hardware_id ON %[2]s (hardware_id);
	`, s.vouchers, s.licenses)
	_, err := s.pool.Exec(ctx, query)
	return err
}

const pgLicenseColumns = `l.id, l.client_name, l.hardware_id, l.expiry, l.sealed_artifact,
	l.is_active, l.created_at, l.last_validated_at, l.voucher_code`

func scanPgLicense(row pgx.Row, extra ...any) (*License, error) {
	var (
		l  License
		id string
	)
	dest := append([]any{&id, &l.ClientName, &l.HardwareID, &l.Expiry, &l.SealedArtifact,
		&l.IsActive, &l.CreatedAt, &l.LastValidatedAt, &l.VoucherCode}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse license id: %w", err)
	}
	l.ID = parsed
	return &l, nil
}

func (s *PostgresStore) FindActiveLicenseByHardwareID(ctx context.Context, hardwareID string) (*License, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s l
		WHERE l.hardware_id = $1 AND l.is_active
		ORDER BY l.created_at DESC LIMIT 1
	`, pgLicenseColumns, s.licenses)
	l, err := scanPgLicense(s.pool.QueryRow(ctx, query, hardwareID))
	return l, s.wrap("find active license", err)
}

func (s *PostgresStore) FindLicenseByID(ctx context.Context, id uuid.UUID) (*License, error) {
	query := fmt.Sprintf(`
		SELECT %s, v.code, v.duration_days, v.allowed_devices, v.usage_count,
			v.is_active, v.expiry, v.description, v.generated_at
		FROM %s l LEFT JOIN %s v ON v.code = l.voucher_code
		WHERE l.id = $1
	`, pgLicenseColumns, s.licenses, s.vouchers)

	var (
		code, description        *string
		duration, allowed, usage *int
		active                   *bool
		expiry, generatedAt      *time.Time
	)
	l, err := scanPgLicense(s.pool.QueryRow(ctx, query, id.String()),
		&code, &duration, &allowed, &usage, &active, &expiry, &description, &generatedAt)
	if err != nil {
		return nil, s.wrap("find license", err)
	}
	if code != nil {
		l.Voucher = &Voucher{
			Code:           *code,
			DurationDays:   *duration,
			AllowedDevices: *allowed,
			UsageCount:     *usage,
			IsActive:       *active,
			Expiry:         expiry,
			Description:    description,
			GeneratedAt:    *generatedAt,
		}
	}
	return l, nil
}

const pgVoucherColumns = `code, duration_days, allowed_devices, usage_count, is_active,
	expiry, description, generated_at`

func scanPgVoucher(row pgx.Row) (*Voucher, error) {
	var v Voucher
	err := row.Scan(&v.Code, &v.DurationDays, &v.AllowedDevices, &v.UsageCount, &v.IsActive,
		&v.Expiry, &v.Description, &v.GeneratedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) FindVoucherByCode(ctx context.Context, code string) (*Voucher, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE code = $1`, pgVoucherColumns, s.vouchers)
	v, err := scanPgVoucher(s.pool.QueryRow(ctx, query, code))
	return v, s.wrap("find voucher", err)
}

// pgExecer is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) upsertLicense(ctx context.Context, db pgExecer, l *License) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, client_name, hardware_id, expiry, sealed_artifact,
			is_active, created_at, last_validated_at, voucher_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			client_name = EXCLUDED.client_name,
			hardware_id = EXCLUDED.hardware_id,
			expiry = EXCLUDED.expiry,
			sealed_artifact = EXCLUDED.sealed_artifact,
			is_active = %[1]s.is_active AND EXCLUDED.is_active,
			last_validated_at = EXCLUDED.last_validated_at,
			voucher_code = EXCLUDED.voucher_code
	`, s.licenses)
	_, err := db.Exec(ctx, query, l.ID.String(), l.ClientName, l.HardwareID, l.Expiry,
		l.SealedArtifact, l.IsActive, l.CreatedAt, l.LastValidatedAt, l.VoucherCode)
	return err
}

func (s *PostgresStore) SaveLicense(ctx context.Context, lic *License) error {
	return s.wrap("save license", s.upsertLicense(ctx, s.pool, lic))
}

func (s *PostgresStore) SaveVoucher(ctx context.Context, v *Voucher) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (code) DO UPDATE SET
			duration_days = EXCLUDED.duration_days,
			allowed_devices = EXCLUDED.allowed_devices,
			usage_count = GREATEST(%[1]s.usage_count, EXCLUDED.usage_count),
			is_active = EXCLUDED.is_active,
			expiry = EXCLUDED.expiry,
			description = EXCLUDED.description
	`, s.vouchers, pgVoucherColumns)
	_, err := s.pool.Exec(ctx, query, v.Code, v.DurationDays, v.AllowedDevices, v.UsageCount,
		v.IsActive, v.Expiry, v.Description, v.GeneratedAt)
	return s.wrap("save voucher", err)
}

func (s *PostgresStore) CreateVoucher(ctx context.Context, v *Voucher) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.vouchers, pgVoucherColumns)
	_, err := s.pool.Exec(ctx, query, v.Code, v.DurationDays, v.AllowedDevices, v.UsageCount,
		v.IsActive, v.Expiry, v.Description, v.GeneratedAt)
	if isPgUniqueViolation(err) {
		return ErrDuplicateCode
	}
	return s.wrap("create voucher", err)
}

func (s *PostgresStore) RedeemVoucher(ctx context.Context, code string, now time.Time, issue IssueFunc) (*License, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, s.wrap("begin redeem", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE code = $1 FOR UPDATE`, pgVoucherColumns, s.vouchers)
	v, err := scanPgVoucher(tx.QueryRow(ctx, query, code))
	if err != nil {
		return nil, s.wrap("lock voucher", err)
	}
	if err := v.Redeemable(now); err != nil {
		return nil, err
	}

	lic, err := issue(*v)
	if err != nil {
		return nil, err
	}

	update := fmt.Sprintf(`UPDATE %s SET usage_count = usage_count + 1
		WHERE code = $1 AND usage_count < allowed_devices`, s.vouchers)
	tag, err := tx.Exec(ctx, update, code)
	if err != nil {
		return nil, s.wrap("increment voucher usage", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrVoucherExhausted
	}
	if err := s.upsertLicense(ctx, tx, lic); err != nil {
		return nil, s.wrap("insert license", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, s.wrap("commit redeem", err)
	}
	return lic, nil
}

func (s *PostgresStore) Close(_ context.Context) error {
	return nil // user manages the pgxpool.Pool lifecycle
}

func (s *PostgresStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isPgUniqueViolation(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrConflict, err)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%s: %w", op, unavailable(err))
	}
	return wrap(op, err)
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
