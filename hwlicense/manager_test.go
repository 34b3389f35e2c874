package hwlicense

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/CloudNativeWorks/cnw-hwid-license/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 7, 26, 14, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, st store.Store, opts ...ManagerOption) (*Manager, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]ManagerOption{WithClock(clock.Now)}, opts...)
	m, err := NewManager(newTestCodec(t), st, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, clock
}

func createVoucher(t *testing.T, st store.Store, code string, allowed, days int, mutate ...func(*store.Voucher)) {
	t.Helper()
	v := &store.Voucher{
		Code:           code,
		DurationDays:   days,
		AllowedDevices: allowed,
		IsActive:       true,
		GeneratedAt:    time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, fn := range mutate {
		fn(v)
	}
	if err := st.CreateVoucher(context.Background(), v); err != nil {
		t.Fatalf("CreateVoucher: %v", err)
	}
}

func TestRegister_Days(t *testing.T) {
	st := store.NewMemoryStore()
	m, clock := newTestManager(t, st)
	now := clock.Now()

	lic, err := m.Register(context.Background(), RegisterIntent{ClientName: "Acme", HardwareID: "HW-1", Days: 30})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !lic.IsActive {
		t.Error("new license should be active")
	}
	if want := now.Add(30 * 24 * time.Hour); !lic.Expiry.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, lic.Expiry)
	}
	if !lic.CreatedAt.Equal(now) || lic.LastValidatedAt == nil || !lic.LastValidatedAt.Equal(now) {
		t.Errorf("expected created/validated at %v, got %v / %v", now, lic.CreatedAt, lic.LastValidatedAt)
	}
	if lic.VoucherCode != nil {
		t.Errorf("expected no voucher, got %s", *lic.VoucherCode)
	}

	p, err := m.codec.Open(lic.SealedArtifact)
	if err != nil {
		t.Fatalf("artifact does not open: %v", err)
	}
	if p.ClientName != "Acme" || p.HardwareID != "HW-1" || !p.Expiry.Equal(lic.Expiry) {
		t.Errorf("unexpected sealed payload %+v", p)
	}

	stored, err := st.FindLicenseByID(context.Background(), lic.ID)
	if err != nil {
		t.Fatalf("license not persisted: %v", err)
	}
	if stored.SealedArtifact != lic.SealedArtifact {
		t.Error("persisted artifact differs")
	}
}

func TestRegister_InvalidIntent(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore())
	long := strings.Repeat("x", 256)

	tests := []struct {
		name   string
		intent RegisterIntent
	}{
		{"neither voucher nor days", RegisterIntent{ClientName: "Acme", HardwareID: "HW"}},
		{"both voucher and days", RegisterIntent{ClientName: "Acme", HardwareID: "HW", VoucherCode: "ABC", Days: 5}},
		{"blank voucher", RegisterIntent{ClientName: "Acme", HardwareID: "HW", VoucherCode: "   "}},
		{"negative days", RegisterIntent{ClientName: "Acme", HardwareID: "HW", Days: -1}},
		{"too many days", RegisterIntent{ClientName: "Acme", HardwareID: "HW", Days: 3651}},
		{"missing client", RegisterIntent{HardwareID: "HW", Days: 5}},
		{"missing hwid", RegisterIntent{ClientName: "Acme", Days: 5}},
		{"long client", RegisterIntent{ClientName: long, HardwareID: "HW", Days: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Register(context.Background(), tt.intent)
			if !errors.Is(err, ErrInvalidIntent) {
				t.Fatalf("expected ErrInvalidIntent, got %v", err)
			}
			if KindOf(err) != KindValidation {
				t.Errorf("expected validation kind, got %v", KindOf(err))
			}
		})
	}

	if _, err := m.Register(context.Background(), RegisterIntent{ClientName: "Acme", HardwareID: "HW", Days: 3650}); err != nil {
		t.Errorf("3650 days should be accepted: %v", err)
	}
}

func TestRegister_HardwareAlreadyLicensed(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore())
	ctx := context.Background()

	first, err := m.Register(ctx, RegisterIntent{ClientName: "Acme", HardwareID: "HW-1", Days: 10})
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.Register(ctx, RegisterIntent{ClientName: "Other", HardwareID: "HW-1", Days: 10})
	if !errors.Is(err, ErrHardwareAlreadyLicensed) {
		t.Fatalf("expected ErrHardwareAlreadyLicensed, got %v", err)
	}
	if !strings.Contains(err.Error(), first.ID.String()) {
		t.Errorf("error should name the existing license: %v", err)
	}
	if Code(err) != CodeHardwareAlreadyLicensed || KindOf(err) != KindBusiness {
		t.Errorf("unexpected classification %s/%v", Code(err), KindOf(err))
	}
}

func TestRegister_AfterExpiryAllowsNewLicense(t *testing.T) {
	m, clock := newTestManager(t, store.NewMemoryStore())
	ctx := context.Background()

	first, _ := m.Register(ctx, RegisterIntent{ClientName: "Acme", HardwareID: "HW-1", Days: 1})
	clock.Advance(48 * time.Hour)
	if _, err := m.Validate(ctx, first.ID.String(), "HW-1"); !errors.Is(err, ErrLicenseExpired) {
		t.Fatalf("expected ErrLicenseExpired, got %v", err)
	}
	second, err := m.Register(ctx, RegisterIntent{ClientName: "Acme", HardwareID: "HW-1", Days: 1})
	if err != nil {
		t.Fatalf("re-register after expiry: %v", err)
	}
	if second.ID == first.ID {
		t.Error("expected a new license record")
	}
}

func TestRegister_VoucherRejections(t *testing.T) {
	st := store.NewMemoryStore()
	m, clock := newTestManager(t, st)
	past := clock.Now().Add(-time.Hour)

	createVoucher(t, st, "INACTIVE0001", 1, 30, func(v *store.Voucher) { v.IsActive = false; v.Expiry = &past })
	createVoucher(t, st, "EXHAUSTED001", 1, 30, func(v *store.Voucher) { v.UsageCount = 1; v.Expiry = &past })
	createVoucher(t, st, "EXPIRED00001", 1, 30, func(v *store.Voucher) { v.Expiry = &past })

	tests := []struct {
		code string
		want error
	}{
		{"NOSUCHCODE01", ErrVoucherNotFound},
		{"INACTIVE0001", ErrVoucherInactive},
		{"EXHAUSTED001", ErrVoucherExhausted},
		{"EXPIRED00001", ErrVoucherExpired},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			_, err := m.Register(context.Background(), RegisterIntent{ClientName: "Acme", HardwareID: "HW-" + tt.code, VoucherCode: tt.code})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if KindOf(err) != KindBusiness {
				t.Errorf("expected business kind, got %v", KindOf(err))
			}
		})
	}
}

func TestRegister_VoucherDuration(t *testing.T) {
	st := store.NewMemoryStore()
	m, clock := newTestManager(t, st)
	createVoucher(t, st, "DURATION0001", 2, 90)

	lic, err := m.Register(context.Background(), RegisterIntent{ClientName: "Acme", HardwareID: "HW-1", VoucherCode: " DURATION0001 "})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if want := clock.Now().Add(90 * 24 * time.Hour); !lic.Expiry.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, lic.Expiry)
	}
	if lic.VoucherCode == nil || *lic.VoucherCode != "DURATION0001" {
		t.Errorf("expected voucher reference, got %v", lic.VoucherCode)
	}
}

// The ABC123 walkthrough: one-device voucher, second redemption exhausted,
// validation bound to the original hardware ID.
func TestVoucherScenario(t *testing.T) {
	st := store.NewMemoryStore()
	m, clock := newTestManager(t, st)
	ctx := context.Background()
	createVoucher(t, st, "ABC123DEF456", 1, 30)

	lic, err := m.Register(ctx, RegisterIntent{ClientName: "Acme", HardwareID: "HW-1", VoucherCode: "ABC123DEF456"})
	if err != nil {
		t.Fatalf("first registration: %v", err)
	}
	v, _ := m.Voucher(ctx, "ABC123DEF456")
	if v.UsageCount != 1 {
		t.Errorf("expected usage 1, got %d", v.UsageCount)
	}

	_, err = m.Register(ctx, RegisterIntent{ClientName: "Acme", HardwareID: "HW-2", VoucherCode: "ABC123DEF456"})
	if !errors.Is(err, ErrVoucherExhausted) {
		t.Fatalf("second registration: expected ErrVoucherExhausted, got %v", err)
	}

	res, err := m.Validate(ctx, lic.ID.String(), "HW-1")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if want := clock.Now().Add(30 * 24 * time.Hour); !res.Expiry.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, res.Expiry)
	}
	if res.ClientName != "Acme" || res.OfflineGracePeriodDays != DefaultGracePeriodDays {
		t.Errorf("unexpected result %+v", res)
	}

	if _, err := m.Validate(ctx, lic.ID.String(), "HW-2"); !errors.Is(err, ErrHardwareMismatch) {
		t.Errorf("expected ErrHardwareMismatch, got %v", err)
	}
	stored, _ := st.FindLicenseByID(ctx, lic.ID)
	if !stored.IsActive {
		t.Error("hardware mismatch must not deactivate the license")
	}
}

func TestValidate_ExpiryTransition(t *testing.T) {
	st := store.NewMemoryStore()
	m, clock := newTestManager(t, st)
	ctx := context.Background()
	lic, _ := m.Register(ctx, RegisterIntent{ClientName: "Acme", HardwareID: "HW-1", Days: 30})

	clock.Advance(31 * 24 * time.Hour)
	if _, err := m.Validate(ctx, lic.ID.String(), "HW-1"); !errors.Is(err, ErrLicenseExpired) {
		t.Fatalf("expected ErrLicenseExpired, got %v", err)
	}
	stored, _ := st.FindLicenseByID(ctx, lic.ID)
	if stored.IsActive {
		t.Fatal("expired license should be persisted inactive")
	}

	for i := 0; i < 2; i++ {
		if _, err := m.Validate(ctx, lic.ID.String(), "HW-1"); !errors.Is(err, ErrLicenseInactive) {
			t.Fatalf("attempt %d: expected ErrLicenseInactive, got %v", i, err)
		}
	}
}

func TestValidate_VoucherRevoked(t *testing.T) {
	st := store.NewMemoryStore()
	m, _ := newTestManager(t, st)
	ctx := context.Background()
	createVoucher(t, st, "REVOKE000001", 5, 30)

	lic, err := m.Register(ctx, RegisterIntent{ClientName: "Acme", HardwareID: "HW-1", VoucherCode: "REVOKE000001"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.DeactivateVoucher(ctx, "REVOKE000001"); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Validate(ctx, lic.ID.String(), "HW-1"); !errors.Is(err, ErrVoucherRevoked) {
		t.Fatalf("expected ErrVoucherRevoked, got %v", err)
	}
	stored, _ := st.FindLicenseByID(ctx, lic.ID)
	if stored.IsActive {
		t.Fatal("revoked license should be persisted inactive")
	}
	if _, err := m.Validate(ctx, lic.ID.String(), "HW-1"); !errors.Is(err, ErrLicenseInactive) {
		t.Errorf("expected ErrLicenseInactive, got %v", err)
	}
}

func TestValidate_VoucherExpiryNotRechecked(t *testing.T) {
	st := store.NewMemoryStore()
	m, clock := newTestManager(t, st)
	ctx := context.Background()
	soon := clock.Now().Add(time.Hour)
	createVoucher(t, st, "SHORTLIVED01", 1, 30, func(v *store.Voucher) { v.Expiry = &soon })

	lic, err := m.Register(ctx, RegisterIntent{ClientName: "Acme", HardwareID: "HW-1", VoucherCode: "SHORTLIVED01"})
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(48 * time.Hour)
	if _, err := m.Validate(ctx, lic.ID.String(), "HW-1"); err != nil {
		t.Errorf("license from an expired voucher should still validate: %v", err)
	}
}

func TestValidate_Failures(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore())
	ctx := context.Background()

	if _, err := m.Validate(ctx, "not-a-uuid", "HW-1"); !errors.Is(err, ErrInvalidLicenseID) || KindOf(err) != KindValidation {
		t.Errorf("expected validation ErrInvalidLicenseID, got %v", err)
	}
	if _, err := m.Validate(ctx, "9b2f6f4e-8c1d-4c55-9e53-7b8f5d1f2a10", "HW-1"); !errors.Is(err, ErrLicenseNotFound) {
		t.Errorf("expected ErrLicenseNotFound, got %v", err)
	}
	if _, err := m.Validate(ctx, "9b2f6f4e-8c1d-4c55-9e53-7b8f5d1f2a10", ""); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestValidate_UpdatesLastValidated(t *testing.T) {
	st := store.NewMemoryStore()
	m, clock := newTestManager(t, st)
	ctx := context.Background()
	lic, _ := m.Register(ctx, RegisterIntent{ClientName: "Acme", HardwareID: "HW-1", Days: 30})

	clock.Advance(time.Hour)
	if _, err := m.Validate(ctx, lic.ID.String(), "HW-1"); err != nil {
		t.Fatal(err)
	}
	stored, _ := st.FindLicenseByID(ctx, lic.ID)
	if stored.LastValidatedAt == nil || !stored.LastValidatedAt.Equal(clock.Now()) {
		t.Errorf("expected last validated %v, got %v", clock.Now(), stored.LastValidatedAt)
	}
}

func TestValidate_IntegrityFailure(t *testing.T) {
	st := store.NewMemoryStore()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	m, _ := newTestManager(t, st, WithMetrics(metrics))
	ctx := context.Background()
	lic, _ := m.Register(ctx, RegisterIntent{ClientName: "Acme", HardwareID: "HW-1", Days: 30})

	other, _ := NewCodec("a-different-secret-value")
	forged, _ := other.Seal(Payload{ClientName: "Mallory", HardwareID: "HW-1", Expiry: time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)})
	lic.SealedArtifact = forged
	if err := st.SaveLicense(ctx, lic); err != nil {
		t.Fatal(err)
	}

	_, err := m.Validate(ctx, lic.ID.String(), "HW-1")
	if !errors.Is(err, ErrArtifactInvalid) || !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrArtifactInvalid wrapping ErrSignatureInvalid, got %v", err)
	}
	if KindOf(err) != KindIntegrity || Code(err) != CodeLicenseInvalid {
		t.Errorf("unexpected classification %v/%s", KindOf(err), Code(err))
	}
	if msg := Message(err); strings.Contains(msg, "signature") {
		t.Errorf("message leaks detail: %q", msg)
	}
	if got := testutil.ToFloat64(metrics.integrityFailures); got != 1 {
		t.Errorf("expected 1 integrity failure, got %v", got)
	}
	stored, _ := st.FindLicenseByID(ctx, lic.ID)
	if !stored.IsActive {
		t.Error("integrity failure must not change license state")
	}
}

func TestManager_GracePeriod(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore(), WithGracePeriodDays(-3))
	if m.GracePeriodDays() != DefaultGracePeriodDays {
		t.Errorf("negative grace period should fall back to %d, got %d", DefaultGracePeriodDays, m.GracePeriodDays())
	}
	m, _ = newTestManager(t, store.NewMemoryStore(), WithGracePeriodDays(7))
	lic, _ := m.Register(context.Background(), RegisterIntent{ClientName: "Acme", HardwareID: "HW-1", Days: 3})
	res, err := m.Validate(context.Background(), lic.ID.String(), "HW-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.OfflineGracePeriodDays != 7 {
		t.Errorf("expected 7, got %d", res.OfflineGracePeriodDays)
	}
}

func TestRegister_ConcurrentVoucherCapacity(t *testing.T) {
	stores := map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store { return store.NewMemoryStore() },
		"sqlite": func(t *testing.T) store.Store {
			s, err := store.NewSQLiteStore(context.Background(), t.TempDir())
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { _ = s.Close(context.Background()) })
			return s
		},
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			st := newStore(t)
			m, _ := newTestManager(t, st)
			createVoucher(t, st, "CONCURRENT01", 3, 30)

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				ok, limit int
			)
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := m.Register(context.Background(), RegisterIntent{
						ClientName: "Acme", HardwareID: fmt.Sprintf("HW-%d", i), VoucherCode: "CONCURRENT01",
					})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						ok++
					case errors.Is(err, ErrVoucherExhausted):
						limit++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()
			if ok != 3 || limit != 7 {
				t.Errorf("expected 3 successes and 7 exhausted, got %d and %d", ok, limit)
			}
		})
	}
}

func TestRegister_ConcurrentSameHardwareID(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore())
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, dupe int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Register(context.Background(), RegisterIntent{ClientName: "Acme", HardwareID: "HW-SAME", Days: 30})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrHardwareAlreadyLicensed):
				dupe++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || dupe != 9 {
		t.Errorf("expected 1 success and 9 conflicts, got %d and %d", ok, dupe)
	}
}

var voucherCodePattern = regexp.MustCompile(`^[A-Z0-9]{12}$`)

func TestGenerateVoucher(t *testing.T) {
	st := store.NewMemoryStore()
	m, clock := newTestManager(t, st)
	ctx := context.Background()
	desc := "launch promo"
	expiry := clock.Now().Add(7 * 24 * time.Hour)

	v, err := m.GenerateVoucher(ctx, VoucherSpec{AllowedDevices: 5, DurationDays: 365, Description: &desc, Expiry: &expiry})
	if err != nil {
		t.Fatalf("GenerateVoucher: %v", err)
	}
	if !voucherCodePattern.MatchString(v.Code) {
		t.Errorf("unexpected code format %q", v.Code)
	}
	if !v.IsActive || v.UsageCount != 0 || v.AllowedDevices != 5 || v.DurationDays != 365 {
		t.Errorf("unexpected voucher %+v", v)
	}
	if !v.GeneratedAt.Equal(clock.Now()) {
		t.Errorf("expected generated at %v, got %v", clock.Now(), v.GeneratedAt)
	}

	got, err := m.Voucher(ctx, v.Code)
	if err != nil {
		t.Fatal(err)
	}
	if got.Expiry == nil || !got.Expiry.Equal(expiry) || got.Description == nil || *got.Description != desc {
		t.Errorf("unexpected stored voucher %+v", got)
	}
}

func TestGenerateVoucher_InvalidSpec(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore())
	long := strings.Repeat("d", 501)
	for _, spec := range []VoucherSpec{
		{AllowedDevices: 0, DurationDays: 30},
		{AllowedDevices: 1, DurationDays: 0},
		{AllowedDevices: 1, DurationDays: 30, Description: &long},
	} {
		if _, err := m.GenerateVoucher(context.Background(), spec); !errors.Is(err, ErrInvalidVoucherSpec) {
			t.Errorf("%+v: expected ErrInvalidVoucherSpec, got %v", spec, err)
		}
	}
}

func TestGenerateVoucherCode_Alphabet(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := GenerateVoucherCode()
		if err != nil {
			t.Fatal(err)
		}
		if !voucherCodePattern.MatchString(code) {
			t.Fatalf("unexpected code %q", code)
		}
		seen[code] = true
	}
	if len(seen) < 199 {
		t.Errorf("codes are not random enough: %d unique of 200", len(seen))
	}
}

// duplicateStore rejects every new voucher as a duplicate.
type duplicateStore struct{ *store.MemoryStore }

func (duplicateStore) CreateVoucher(context.Context, *store.Voucher) error {
	return store.ErrDuplicateCode
}

func TestGenerateVoucher_DuplicateCode(t *testing.T) {
	m, _ := newTestManager(t, duplicateStore{store.NewMemoryStore()})
	_, err := m.GenerateVoucher(context.Background(), VoucherSpec{AllowedDevices: 1, DurationDays: 1})
	if !errors.Is(err, ErrDuplicateCode) {
		t.Fatalf("expected ErrDuplicateCode, got %v", err)
	}
	if Code(err) != CodeDuplicateCode {
		t.Errorf("expected %s, got %s", CodeDuplicateCode, Code(err))
	}
}

func TestDeactivateVoucher_Idempotent(t *testing.T) {
	st := store.NewMemoryStore()
	m, _ := newTestManager(t, st)
	ctx := context.Background()
	createVoucher(t, st, "IDEMPOTENT01", 2, 30)

	changed, err := m.DeactivateVoucher(ctx, "IDEMPOTENT01")
	if err != nil || !changed {
		t.Fatalf("first deactivation: changed=%v err=%v", changed, err)
	}
	changed, err = m.DeactivateVoucher(ctx, "IDEMPOTENT01")
	if err != nil || changed {
		t.Fatalf("second deactivation: changed=%v err=%v", changed, err)
	}
	v, _ := m.Voucher(ctx, "IDEMPOTENT01")
	if v.IsActive {
		t.Error("voucher should be inactive")
	}

	if _, err := m.DeactivateVoucher(ctx, "NOSUCHCODE01"); !errors.Is(err, ErrVoucherNotFound) {
		t.Errorf("expected ErrVoucherNotFound, got %v", err)
	}
}

// blockingStore never answers until the caller's context ends.
type blockingStore struct{ *store.MemoryStore }

func (blockingStore) FindActiveLicenseByHardwareID(ctx context.Context, _ string) (*store.License, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, ctx.Err())
}

func TestRegister_StorageTimeout(t *testing.T) {
	m, _ := newTestManager(t, blockingStore{store.NewMemoryStore()}, WithStorageTimeout(10*time.Millisecond))
	_, err := m.Register(context.Background(), RegisterIntent{ClientName: "Acme", HardwareID: "HW-1", Days: 1})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if KindOf(err) != KindTransient || Code(err) != CodeUnavailable {
		t.Errorf("unexpected classification %v/%s", KindOf(err), Code(err))
	}
}

func TestMetrics_Registrations(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	m, _ := newTestManager(t, store.NewMemoryStore(), WithMetrics(metrics))
	ctx := context.Background()

	_, _ = m.Register(ctx, RegisterIntent{ClientName: "Acme", HardwareID: "HW-1", Days: 1})
	_, _ = m.Register(ctx, RegisterIntent{ClientName: "Acme", HardwareID: "HW-1", Days: 1})

	if got := testutil.ToFloat64(metrics.registrations.WithLabelValues("ok")); got != 1 {
		t.Errorf("expected 1 ok registration, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.registrations.WithLabelValues("hardware_already_licensed")); got != 1 {
		t.Errorf("expected 1 conflict, got %v", got)
	}
}
