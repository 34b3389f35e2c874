package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in process memory. It is used for tests and
// for single-instance deployments that accept losing state on restart.
type MemoryStore struct {
	mu       sync.Mutex
	licenses map[uuid.UUID]*License
	vouchers map[string]*Voucher
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		licenses: make(map[uuid.UUID]*License),
		vouchers: make(map[string]*Voucher),
	}
}

func (s *MemoryStore) FindActiveLicenseByHardwareID(ctx context.Context, hardwareID string) (*License, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *License
	for _, l := range s.licenses {
		if l.HardwareID != hardwareID || !l.IsActive {
			continue
		}
		if found == nil || l.CreatedAt.After(found.CreatedAt) {
			found = l
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneLicense(found), nil
}

func (s *MemoryStore) FindLicenseByID(ctx context.Context, id uuid.UUID) (*License, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.licenses[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneLicense(l)
	if l.VoucherCode != nil {
		if v, ok := s.vouchers[*l.VoucherCode]; ok {
			out.Voucher = cloneVoucher(v)
		}
	}
	return out, nil
}

func (s *MemoryStore) FindVoucherByCode(ctx context.Context, code string) (*Voucher, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[code]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneVoucher(v), nil
}

func (s *MemoryStore) SaveLicense(ctx context.Context, lic *License) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLicense(lic)
	return nil
}

func (s *MemoryStore) putLicense(lic *License) {
	c := cloneLicense(lic)
	c.Voucher = nil
	if prev, ok := s.licenses[lic.ID]; ok && !prev.IsActive {
		c.IsActive = false
	}
	s.licenses[lic.ID] = c
}

func (s *MemoryStore) SaveVoucher(ctx context.Context, v *Voucher) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneVoucher(v)
	if prev, ok := s.vouchers[v.Code]; ok && prev.UsageCount > c.UsageCount {
		c.UsageCount = prev.UsageCount
	}
	s.vouchers[v.Code] = c
	return nil
}

func (s *MemoryStore) CreateVoucher(ctx context.Context, v *Voucher) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vouchers[v.Code]; ok {
		return ErrDuplicateCode
	}
	s.vouchers[v.Code] = cloneVoucher(v)
	return nil
}

func (s *MemoryStore) RedeemVoucher(ctx context.Context, code string, now time.Time, issue IssueFunc) (*License, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[code]
	if !ok {
		return nil, ErrNotFound
	}
	if err := v.Redeemable(now); err != nil {
		return nil, err
	}
	lic, err := issue(*cloneVoucher(v))
	if err != nil {
		return nil, err
	}
	if _, exists := s.licenses[lic.ID]; exists {
		return nil, ErrConflict
	}
	v.UsageCount++
	s.putLicense(lic)
	return cloneLicense(lic), nil
}

func (s *MemoryStore) Close(_ context.Context) error {
	return nil
}
