package hwlicense

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CloudNativeWorks/cnw-hwid-license/store"
)

const (
	minLicenseDays = 1
	maxLicenseDays = 3650
)

// Register issues a license bound to intent.HardwareID, either for
// intent.Days or for the duration of the redeemed voucher.
//
// Registrations for the same hardware ID are serialized by the Manager's
// locker; voucher capacity is claimed atomically by the store.
func (m *Manager) Register(ctx context.Context, intent RegisterIntent) (*store.License, error) {
	lic, err := m.register(ctx, intent)
	m.metrics.registration(err)
	return lic, err
}

func (m *Manager) register(ctx context.Context, intent RegisterIntent) (*store.License, error) {
	intent.VoucherCode = strings.TrimSpace(intent.VoucherCode)
	if err := m.checkIntent(intent); err != nil {
		m.logger.Warn().Err(err).Str("hwid", intent.HardwareID).Msg("Rejected license registration request")
		return nil, err
	}

	unlock, err := m.locker.Lock(ctx, "hwid:"+intent.HardwareID)
	if err != nil {
		return nil, fmt.Errorf("%w: lock hardware ID: %v", ErrStorageUnavailable, err)
	}
	defer unlock()

	if err := m.ensureUnlicensed(ctx, intent.HardwareID); err != nil {
		return nil, err
	}

	now := m.clock()
	var lic *store.License
	if intent.VoucherCode != "" {
		lic, err = m.redeem(ctx, intent, now)
	} else {
		lic, err = m.issueForDays(ctx, intent, now)
	}
	if err != nil {
		return nil, err
	}

	voucher := "N/A"
	if lic.VoucherCode != nil {
		voucher = *lic.VoucherCode
	}
	m.logger.Info().
		Str("license_id", lic.ID.String()).
		Str("hwid", lic.HardwareID).
		Str("voucher", voucher).
		Time("expiry", lic.Expiry).
		Msg("License registered")
	return lic, nil
}

func (m *Manager) checkIntent(intent RegisterIntent) error {
	if err := m.validate.Struct(intent); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	hasVoucher := intent.VoucherCode != ""
	hasDays := intent.Days != 0
	switch {
	case hasVoucher && hasDays:
		return fmt.Errorf("%w: voucher code and days are mutually exclusive", ErrInvalidIntent)
	case !hasVoucher && !hasDays:
		return ErrInvalidIntent
	case hasDays && (intent.Days < minLicenseDays || intent.Days > maxLicenseDays):
		return fmt.Errorf("%w: days %d out of range", ErrInvalidIntent, intent.Days)
	}
	return nil
}

func (m *Manager) ensureUnlicensed(ctx context.Context, hardwareID string) error {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	existing, err := m.store.FindActiveLicenseByHardwareID(sctx, hardwareID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("find active license: %w", err)
	}
	m.logger.Info().
		Str("hwid", hardwareID).
		Str("license_id", existing.ID.String()).
		Msg("Attempted to register an already licensed hardware ID")
	return fmt.Errorf("%w: license %s", ErrHardwareAlreadyLicensed, existing.ID)
}

func (m *Manager) redeem(ctx context.Context, intent RegisterIntent, now time.Time) (*store.License, error) {
	code := intent.VoucherCode
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	lic, err := m.store.RedeemVoucher(sctx, code, now, func(v store.Voucher) (*store.License, error) {
		return m.newLicense(intent, v.DurationDays, &code, now)
	})
	switch {
	case err == nil:
		return lic, nil
	case errors.Is(err, store.ErrNotFound):
		m.logger.Warn().Str("voucher", code).Msg("Invalid voucher code provided")
		return nil, ErrVoucherNotFound
	case errors.Is(err, ErrVoucherInactive), errors.Is(err, ErrVoucherExhausted), errors.Is(err, ErrVoucherExpired):
		m.logger.Warn().Str("voucher", code).Err(err).Msg("Voucher rejected")
		return nil, err
	default:
		return nil, fmt.Errorf("redeem voucher: %w", err)
	}
}

func (m *Manager) issueForDays(ctx context.Context, intent RegisterIntent, now time.Time) (*store.License, error) {
	lic, err := m.newLicense(intent, intent.Days, nil, now)
	if err != nil {
		return nil, err
	}
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.SaveLicense(sctx, lic); err != nil {
		return nil, fmt.Errorf("save license: %w", err)
	}
	return lic, nil
}

// newLicense seals the payload for a fresh, active license record.
func (m *Manager) newLicense(intent RegisterIntent, days int, voucherCode *string, now time.Time) (*store.License, error) {
	expiry := now.Add(time.Duration(days) * 24 * time.Hour)
	sealed, err := m.codec.Seal(Payload{
		ClientName: intent.ClientName,
		HardwareID: intent.HardwareID,
		Expiry:     expiry,
	})
	if err != nil {
		return nil, fmt.Errorf("seal license: %w", err)
	}
	validatedAt := now
	return &store.License{
		ID:              uuid.New(),
		ClientName:      intent.ClientName,
		HardwareID:      intent.HardwareID,
		Expiry:          expiry,
		SealedArtifact:  sealed,
		IsActive:        true,
		CreatedAt:       now,
		LastValidatedAt: &validatedAt,
		VoucherCode:     voucherCode,
	}, nil
}
