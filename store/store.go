// Package store provides the persistence port for issued licenses and
// vouchers, with in-memory, SQLite, PostgreSQL and MongoDB implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by every Store implementation.
var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicateCode = errors.New("voucher code already exists")
	ErrConflict      = errors.New("storage conflict")
	ErrUnavailable   = errors.New("storage unavailable")
)

// Redemption failures, in the order Voucher.Redeemable checks them.
var (
	ErrVoucherInactive  = errors.New("voucher is inactive")
	ErrVoucherExhausted = errors.New("voucher has reached its maximum usage limit")
	ErrVoucherExpired   = errors.New("voucher has expired")
)

// License is a persisted license record. Voucher is populated by
// FindLicenseByID when VoucherCode references an existing voucher.
type License struct {
	ID              uuid.UUID  `json:"license_id"`
	ClientName      string     `json:"client_name"`
	HardwareID      string     `json:"hwid"`
	Expiry          time.Time  `json:"expiry_date"`
	SealedArtifact  string     `json:"signed_license_data"`
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
	VoucherCode     *string    `json:"voucher_code,omitempty"`
	Voucher         *Voucher   `json:"-"`
}

// Voucher is a capacity-limited activation code.
type Voucher struct {
	Code           string     `json:"voucher_code"`
	DurationDays   int        `json:"duration_days"`
	AllowedDevices int        `json:"allowed_devices"`
	UsageCount     int        `json:"usage_count"`
	IsActive       bool       `json:"is_active"`
	Expiry         *time.Time `json:"expiry_date,omitempty"`
	Description    *string    `json:"description,omitempty"`
	GeneratedAt    time.Time  `json:"generated_at"`
}

// Redeemable reports why the voucher cannot be redeemed at now, or nil.
func (v *Voucher) Redeemable(now time.Time) error {
	switch {
	case !v.IsActive:
		return ErrVoucherInactive
	case v.UsageCount >= v.AllowedDevices:
		return ErrVoucherExhausted
	case v.Expiry != nil && v.Expiry.Before(now):
		return ErrVoucherExpired
	}
	return nil
}

// IssueFunc builds the license for a voucher that has just passed the
// redemption checks. It runs inside the store's atomic unit, so it must not
// call back into the store.
type IssueFunc func(v Voucher) (*License, error)

// Store is the durable storage used by the license manager.
type Store interface {
	// FindActiveLicenseByHardwareID returns the active license bound to
	// hardwareID, or ErrNotFound.
	FindActiveLicenseByHardwareID(ctx context.Context, hardwareID string) (*License, error)

	// FindLicenseByID returns the license with its voucher attached, or ErrNotFound.
	FindLicenseByID(ctx context.Context, id uuid.UUID) (*License, error)

	// FindVoucherByCode returns the voucher, or ErrNotFound.
	FindVoucherByCode(ctx context.Context, code string) (*Voucher, error)

	// SaveLicense upserts a license. A stored inactive license stays inactive.
	SaveLicense(ctx context.Context, lic *License) error

	// SaveVoucher upserts a voucher. UsageCount never decreases.
	SaveVoucher(ctx context.Context, v *Voucher) error

	// CreateVoucher inserts a new voucher and fails with ErrDuplicateCode
	// when the code is taken.
	CreateVoucher(ctx context.Context, v *Voucher) error

	// RedeemVoucher checks the voucher with Redeemable, increments its usage
	// count and stores the license returned by issue as one unit. It returns
	// ErrNotFound for an unknown code.
	RedeemVoucher(ctx context.Context, code string, now time.Time, issue IssueFunc) (*License, error)

	// Close releases any resources held by the store.
	Close(ctx context.Context) error
}

func cloneLicense(l *License) *License {
	c := *l
	if l.LastValidatedAt != nil {
		t := *l.LastValidatedAt
		c.LastValidatedAt = &t
	}
	if l.VoucherCode != nil {
		s := *l.VoucherCode
		c.VoucherCode = &s
	}
	if l.Voucher != nil {
		c.Voucher = cloneVoucher(l.Voucher)
	}
	return &c
}

func cloneVoucher(v *Voucher) *Voucher {
	c := *v
	if v.Expiry != nil {
		t := *v.Expiry
		c.Expiry = &t
	}
	if v.Description != nil {
		s := *v.Description
		c.Description = &s
	}
	return &c
}
