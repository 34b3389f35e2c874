package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store on an embedded SQLite database. All access
// goes through a single connection, so a redemption transaction is the only
// writer while it runs.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (or creates) the database file licenses.db inside dataPath.
func NewSQLiteStore(ctx context.Context, dataPath string) (*SQLiteStore, error) {
	dataPath = filepath.Clean(dataPath)
	if strings.TrimSpace(dataPath) == "" {
		return nil, fmt.Errorf("dataPath is required")
	}
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create license data dir: %w", err)
	}

	dbPath := filepath.Join(dataPath, "licenses.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open license db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, dbPath: dbPath}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS vouchers (
		code TEXT PRIMARY KEY,
		duration_days INTEGER NOT NULL,
		allowed_devices INTEGER NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		expiry INTEGER,
		description TEXT,
		generated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS licenses (
		id TEXT PRIMARY KEY,
		client_name TEXT NOT NULL,
		hardware_id TEXT NOT NULL,
		expiry INTEGER NOT NULL,
		sealed_artifact TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		last_validated_at INTEGER,
		voucher_code TEXT REFERENCES vouchers(code)
	);
	CREATE INDEX IF NOT EXISTS idx_licenses_hardware_id ON licenses(hardware_id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init license schema: %w", err)
	}
	return nil
}

// Timestamps are stored as Unix microseconds in UTC. Nanoseconds would
// overflow int64 after 2262, and vouchers may carry far-future expiries.
func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(n int64) time.Time { return time.UnixMicro(n).UTC() }

func nullableMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMicros(n.Int64)
	return &t
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

const sqliteLicenseColumns = `l.id, l.client_name, l.hardware_id, l.expiry, l.sealed_artifact,
	l.is_active, l.created_at, l.last_validated_at, l.voucher_code`

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLiteLicense(row sqlRow, extra ...any) (*License, error) {
	var (
		l                 License
		id                string
		expiry, createdAt int64
		lastValidated     sql.NullInt64
		voucherCode       sql.NullString
	)
	dest := append([]any{&id, &l.ClientName, &l.HardwareID, &expiry, &l.SealedArtifact,
		&l.IsActive, &createdAt, &lastValidated, &voucherCode}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse license id: %w", err)
	}
	l.ID = parsed
	l.Expiry = fromMicros(expiry)
	l.CreatedAt = fromMicros(createdAt)
	l.LastValidatedAt = timePtr(lastValidated)
	l.VoucherCode = stringPtr(voucherCode)
	return &l, nil
}

func (s *SQLiteStore) FindActiveLicenseByHardwareID(ctx context.Context, hardwareID string) (*License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteLicenseColumns+` FROM licenses l
		WHERE l.hardware_id = ? AND l.is_active = 1
		ORDER BY l.created_at DESC LIMIT 1`, hardwareID)
	l, err := scanSQLiteLicense(row)
	return l, s.wrap("find active license", err)
}

func (s *SQLiteStore) FindLicenseByID(ctx context.Context, id uuid.UUID) (*License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteLicenseColumns+`,
			v.code, v.duration_days, v.allowed_devices, v.usage_count, v.is_active,
			v.expiry, v.description, v.generated_at
		FROM licenses l LEFT JOIN vouchers v ON v.code = l.voucher_code
		WHERE l.id = ?`, id.String())

	var (
		code, description        sql.NullString
		duration, allowed, usage sql.NullInt64
		active                   sql.NullBool
		expiry, generatedAt      sql.NullInt64
	)
	l, err := scanSQLiteLicense(row, &code, &duration, &allowed, &usage, &active,
		&expiry, &description, &generatedAt)
	if err != nil {
		return nil, s.wrap("find license", err)
	}
	if code.Valid {
		l.Voucher = &Voucher{
			Code:           code.String,
			DurationDays:   int(duration.Int64),
			AllowedDevices: int(allowed.Int64),
			UsageCount:     int(usage.Int64),
			IsActive:       active.Bool,
			Expiry:         timePtr(expiry),
			Description:    stringPtr(description),
			GeneratedAt:    fromMicros(generatedAt.Int64),
		}
	}
	return l, nil
}

const sqliteVoucherColumns = `code, duration_days, allowed_devices, usage_count, is_active,
	expiry, description, generated_at`

func scanSQLiteVoucher(row sqlRow) (*Voucher, error) {
	var (
		v           Voucher
		expiry      sql.NullInt64
		description sql.NullString
		generatedAt int64
	)
	err := row.Scan(&v.Code, &v.DurationDays, &v.AllowedDevices, &v.UsageCount, &v.IsActive,
		&expiry, &description, &generatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.Expiry = timePtr(expiry)
	v.Description = stringPtr(description)
	v.GeneratedAt = fromMicros(generatedAt)
	return &v, nil
}

func (s *SQLiteStore) FindVoucherByCode(ctx context.Context, code string) (*Voucher, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteVoucherColumns+` FROM vouchers WHERE code = ?`, code)
	v, err := scanSQLiteVoucher(row)
	return v, s.wrap("find voucher", err)
}

// sqlExecer is satisfied by both *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertSQLiteLicense(ctx context.Context, db sqlExecer, l *License) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO licenses (id, client_name, hardware_id, expiry, sealed_artifact,
			is_active, created_at, last_validated_at, voucher_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_name = excluded.client_name,
			hardware_id = excluded.hardware_id,
			expiry = excluded.expiry,
			sealed_artifact = excluded.sealed_artifact,
			is_active = licenses.is_active AND excluded.is_active,
			last_validated_at = excluded.last_validated_at,
			voucher_code = excluded.voucher_code`,
		l.ID.String(), l.ClientName, l.HardwareID, toMicros(l.Expiry), l.SealedArtifact,
		l.IsActive, toMicros(l.CreatedAt), nullableMicros(l.LastValidatedAt), l.VoucherCode)
	return err
}

func (s *SQLiteStore) SaveLicense(ctx context.Context, lic *License) error {
	return s.wrap("save license", upsertSQLiteLicense(ctx, s.db, lic))
}

func (s *SQLiteStore) SaveVoucher(ctx context.Context, v *Voucher) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vouchers (`+sqliteVoucherColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			duration_days = excluded.duration_days,
			allowed_devices = excluded.allowed_devices,
			usage_count = MAX(vouchers.usage_count, excluded.usage_count),
			is_active = excluded.is_active,
			expiry = excluded.expiry,
			description = excluded.description`,
		v.Code, v.DurationDays, v.AllowedDevices, v.UsageCount, v.IsActive,
		nullableMicros(v.Expiry), v.Description, toMicros(v.GeneratedAt))
	return s.wrap("save voucher", err)
}

func (s *SQLiteStore) CreateVoucher(ctx context.Context, v *Voucher) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO vouchers (`+sqliteVoucherColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.Code, v.DurationDays, v.AllowedDevices, v.UsageCount, v.IsActive,
		nullableMicros(v.Expiry), v.Description, toMicros(v.GeneratedAt))
	if isSQLiteConstraint(err) {
		return ErrDuplicateCode
	}
	return s.wrap("create voucher", err)
}

func (s *SQLiteStore) RedeemVoucher(ctx context.Context, code string, now time.Time, issue IssueFunc) (*License, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.wrap("begin redeem", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteVoucherColumns+` FROM vouchers WHERE code = ?`, code)
	v, err := scanSQLiteVoucher(row)
	if err != nil {
		return nil, s.wrap("load voucher", err)
	}
	if err := v.Redeemable(now); err != nil {
		return nil, err
	}

	lic, err := issue(*v)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `UPDATE vouchers SET usage_count = usage_count + 1
		WHERE code = ? AND usage_count < allowed_devices`, code)
	if err != nil {
		return nil, s.wrap("increment voucher usage", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, s.wrap("increment voucher usage", err)
	} else if n == 0 {
		return nil, ErrVoucherExhausted
	}
	if err := upsertSQLiteLicense(ctx, tx, lic); err != nil {
		return nil, s.wrap("insert license", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.wrap("commit redeem", err)
	}
	return lic, nil
}

func (s *SQLiteStore) Close(_ context.Context) error {
	return s.db.Close()
}

func (s *SQLiteStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%s: %w", op, unavailable(err))
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%s: %w: %v", op, ErrConflict, err)
		}
	}
	return wrap(op, err)
}

func isSQLiteConstraint(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	code := sqlErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
