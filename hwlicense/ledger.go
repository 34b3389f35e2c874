package hwlicense

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/CloudNativeWorks/cnw-hwid-license/store"
)

const (
	voucherAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	voucherCodeLength = 12
)

// GenerateVoucherCode returns a random voucher code of 12 characters drawn
// uniformly from A-Z and 0-9.
func GenerateVoucherCode() (string, error) {
	size := big.NewInt(int64(len(voucherAlphabet)))
	var b strings.Builder
	b.Grow(voucherCodeLength)
	for i := 0; i < voucherCodeLength; i++ {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("generate voucher code: %w", err)
		}
		b.WriteByte(voucherAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// GenerateVoucher creates a new active voucher. A code collision is returned
// as ErrDuplicateCode and not retried.
func (m *Manager) GenerateVoucher(ctx context.Context, spec VoucherSpec) (*store.Voucher, error) {
	v, err := m.generateVoucher(ctx, spec)
	m.metrics.voucher("generate", err)
	return v, err
}

func (m *Manager) generateVoucher(ctx context.Context, spec VoucherSpec) (*store.Voucher, error) {
	if err := m.validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVoucherSpec, err)
	}
	code, err := GenerateVoucherCode()
	if err != nil {
		return nil, err
	}

	v := &store.Voucher{
		Code:           code,
		DurationDays:   spec.DurationDays,
		AllowedDevices: spec.AllowedDevices,
		IsActive:       true,
		Description:    spec.Description,
		GeneratedAt:    m.clock(),
	}
	if spec.Expiry != nil {
		expiry := spec.Expiry.UTC()
		v.Expiry = &expiry
	}

	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.CreateVoucher(sctx, v); err != nil {
		if errors.Is(err, store.ErrDuplicateCode) {
			m.logger.Warn().Str("voucher", code).Msg("Generated voucher code already exists")
			return nil, err
		}
		return nil, fmt.Errorf("create voucher: %w", err)
	}
	m.logger.Info().
		Str("voucher", code).
		Int("allowed_devices", v.AllowedDevices).
		Int("duration_days", v.DurationDays).
		Msg("Voucher generated")
	return v, nil
}

// DeactivateVoucher marks the voucher inactive. It is idempotent: changed
// reports whether this call deactivated it. Licenses issued from the voucher
// are deactivated the next time they are validated.
func (m *Manager) DeactivateVoucher(ctx context.Context, code string) (changed bool, err error) {
	changed, err = m.deactivateVoucher(ctx, code)
	m.metrics.voucher("deactivate", err)
	return changed, err
}

func (m *Manager) deactivateVoucher(ctx context.Context, code string) (bool, error) {
	v, err := m.Voucher(ctx, code)
	if err != nil {
		return false, err
	}
	if !v.IsActive {
		m.logger.Info().Str("voucher", code).Msg("Voucher is already inactive, no action taken")
		return false, nil
	}
	v.IsActive = false

	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.SaveVoucher(sctx, v); err != nil {
		return false, fmt.Errorf("save voucher: %w", err)
	}
	m.logger.Info().Str("voucher", code).Msg("Voucher deactivated")
	return true, nil
}

// Voucher returns the voucher with code, or ErrVoucherNotFound.
func (m *Manager) Voucher(ctx context.Context, code string) (*store.Voucher, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: voucher code is required", ErrInvalidRequest)
	}
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	v, err := m.store.FindVoucherByCode(sctx, code)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrVoucherNotFound
	case err != nil:
		return nil, fmt.Errorf("find voucher: %w", err)
	}
	return v, nil
}
