// Package hwlicense issues and validates software licenses bound to a
// hardware ID, with optional voucher-based activation limits.
//
// Install with:
//
//	go get github.com/CloudNativeWorks/cnw-hwid-license/hwlicense
//
// A license is sealed into a tamper-evident artifact by a Codec
// (PBKDF2-HMAC-SHA256 key derivation, AES-256-CBC, HMAC-SHA256 over the
// ciphertext) and stored through a store.Store. The Manager drives the
// lifecycle: Register issues, Validate checks and deactivates, and
// GenerateVoucher / DeactivateVoucher administer vouchers.
//
// # Server side
//
//	codec, err := hwlicense.NewCodec(secret)
//	mgr, err := hwlicense.NewManager(codec, store.NewMemoryStore(),
//	    hwlicense.WithGracePeriodDays(2))
//	lic, err := mgr.Register(ctx, hwlicense.RegisterIntent{
//	    ClientName: "Acme", HardwareID: hwid, Days: 30,
//	})
//	res, err := mgr.Validate(ctx, lic.ID.String(), hwid)
//
// # Client side
//
//	hwid, _ := hwlicense.GenerateFingerprint()
//	client := hwlicense.NewClient("https://license.example.com", hwlicense.WithHardwareID(hwid))
//	resp, err := client.Validate(ctx, hwlicense.ValidateRequest{LicenseID: id})
//
// # Errors
//
// Every failure matches one of the package's sentinel errors with errors.Is.
// KindOf groups them into validation, business, integrity, transient and
// configuration failures; Code gives the stable wire code.
package hwlicense
