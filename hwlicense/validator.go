package hwlicense

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/CloudNativeWorks/cnw-hwid-license/store"
)

// Validate checks the license licenseID for the device hardwareID.
//
// The checks run in order and the first failure is returned:
//  1. the license exists (ErrLicenseNotFound)
//  2. it is active (ErrLicenseInactive)
//  3. it is bound to hardwareID (ErrHardwareMismatch)
//  4. its voucher, if any, is still active; otherwise the license is
//     deactivated and ErrVoucherRevoked returned
//  5. its sealed artifact opens (ErrArtifactInvalid, wrapping the codec error)
//  6. it has not expired; otherwise it is deactivated and ErrLicenseExpired returned
//
// On success LastValidatedAt is updated. Every state change is persisted
// before Validate returns, so a storage failure surfaces as ErrStorageUnavailable
// rather than a business outcome.
func (m *Manager) Validate(ctx context.Context, licenseID, hardwareID string) (*ValidationResult, error) {
	res, err := m.validateLicense(ctx, licenseID, hardwareID)
	m.metrics.validation(err)
	return res, err
}

func (m *Manager) validateLicense(ctx context.Context, licenseID, hardwareID string) (*ValidationResult, error) {
	id, err := uuid.Parse(licenseID)
	if err != nil {
		m.logger.Warn().Str("license_id", licenseID).Msg("Invalid license ID format received")
		return nil, ErrInvalidLicenseID
	}
	if hardwareID == "" {
		return nil, fmt.Errorf("%w: hardware ID is required", ErrInvalidRequest)
	}

	log := m.logger.With().Str("license_id", licenseID).Logger()

	lic, err := m.findLicense(ctx, id)
	if err != nil {
		return nil, err
	}
	if !lic.IsActive {
		log.Info().Msg("License is inactive")
		return nil, ErrLicenseInactive
	}
	if lic.HardwareID != hardwareID {
		log.Warn().Str("expected", lic.HardwareID).Str("received", hardwareID).Msg("HWID mismatch")
		return nil, ErrHardwareMismatch
	}

	if lic.Voucher != nil && !lic.Voucher.IsActive {
		log.Info().Str("voucher", lic.Voucher.Code).Msg("License belongs to a deactivated voucher, deactivating")
		if err := m.deactivate(ctx, lic); err != nil {
			return nil, err
		}
		return nil, ErrVoucherRevoked
	}

	payload, err := m.codec.Open(lic.SealedArtifact)
	if err != nil {
		log.Error().Err(err).Str("event", "security").Msg("Stored license artifact failed integrity checks")
		return nil, fmt.Errorf("%w: %w", ErrArtifactInvalid, err)
	}

	now := m.clock()
	if payload.Expiry.Before(now) {
		log.Info().Time("expiry", payload.Expiry).Msg("License expired, deactivating")
		if err := m.deactivate(ctx, lic); err != nil {
			return nil, err
		}
		return nil, ErrLicenseExpired
	}

	lic.LastValidatedAt = &now
	if err := m.save(ctx, lic); err != nil {
		return nil, err
	}
	log.Info().Str("client", payload.ClientName).Msg("License validated")

	return &ValidationResult{
		LicenseID:              lic.ID,
		Expiry:                 payload.Expiry,
		ClientName:             payload.ClientName,
		OfflineGracePeriodDays: m.graceDays,
	}, nil
}

// License returns the stored license record.
func (m *Manager) License(ctx context.Context, licenseID string) (*store.License, error) {
	id, err := uuid.Parse(licenseID)
	if err != nil {
		return nil, ErrInvalidLicenseID
	}
	return m.findLicense(ctx, id)
}

func (m *Manager) findLicense(ctx context.Context, id uuid.UUID) (*store.License, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	lic, err := m.store.FindLicenseByID(sctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrLicenseNotFound
	case err != nil:
		return nil, fmt.Errorf("find license: %w", err)
	}
	return lic, nil
}

func (m *Manager) deactivate(ctx context.Context, lic *store.License) error {
	lic.IsActive = false
	return m.save(ctx, lic)
}

func (m *Manager) save(ctx context.Context, lic *store.License) error {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.SaveLicense(sctx, lic); err != nil {
		return fmt.Errorf("save license: %w", err)
	}
	return nil
}
