package hwlicense

import (
	"errors"
	"fmt"

	"github.com/CloudNativeWorks/cnw-hwid-license/store"
)

// Configuration errors. They are fatal at startup and never returned per request.
var (
	ErrSecretMissing  = errors.New("license signing secret is not configured")
	ErrSecretTooShort = errors.New("license signing secret must be at least 16 characters")
)

// Sentinel errors for malformed requests.
var (
	ErrInvalidIntent      = errors.New("either a voucher code or a number of days between 1 and 3650 must be provided")
	ErrInvalidLicenseID   = errors.New("invalid license ID format")
	ErrInvalidVoucherSpec = errors.New("invalid voucher specification")
	ErrInvalidRequest     = errors.New("invalid request")
)

// Sentinel errors for registration and voucher outcomes. The voucher
// redemption errors are shared with the store so every backend reports them
// identically.
var (
	ErrHardwareAlreadyLicensed = errors.New("a valid license already exists for this hardware ID")
	ErrVoucherNotFound         = errors.New("voucher not found")
	ErrVoucherInactive         = store.ErrVoucherInactive
	ErrVoucherExhausted        = store.ErrVoucherExhausted
	ErrVoucherExpired          = store.ErrVoucherExpired
	ErrDuplicateCode           = store.ErrDuplicateCode
)

// Sentinel errors for license validation failures.
var (
	ErrLicenseNotFound  = errors.New("license not found")
	ErrLicenseInactive  = errors.New("license is inactive")
	ErrHardwareMismatch = errors.New("license is not valid for this device")
	ErrVoucherRevoked   = errors.New("associated voucher has been deactivated")
	ErrLicenseExpired   = errors.New("license expired")
)

// Sentinel errors for sealed artifact integrity. ErrArtifactInvalid wraps
// whichever codec error caused it.
var (
	ErrSignatureInvalid  = errors.New("license signature is invalid")
	ErrArtifactMalformed = errors.New("license artifact is malformed")
	ErrArtifactInvalid   = errors.New("license artifact failed integrity checks")
)

// Transient failures. ErrStorageUnavailable is surfaced by the store;
// ErrServerUnreachable by the Client when the HTTP request itself fails.
var (
	ErrStorageUnavailable = store.ErrUnavailable
	ErrServerUnreachable  = errors.New("license server unreachable")
)

// Kind classifies an error by how the caller should react to it.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindBusiness
	KindIntegrity
	KindTransient
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBusiness:
		return "business"
	case KindIntegrity:
		return "integrity"
	case KindTransient:
		return "transient"
	case KindConfiguration:
		return "configuration"
	default:
		return "internal"
	}
}

// Wire codes reported to remote callers.
const (
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeInvalidLicenseID        = "INVALID_LICENSE_ID"
	CodeHardwareAlreadyLicensed = "HARDWARE_ALREADY_LICENSED"
	CodeVoucherNotFound         = "VOUCHER_NOT_FOUND"
	CodeVoucherInactive         = "VOUCHER_INACTIVE"
	CodeVoucherExhausted        = "VOUCHER_EXHAUSTED"
	CodeVoucherExpired          = "VOUCHER_EXPIRED"
	CodeDuplicateCode           = "DUPLICATE_CODE"
	CodeLicenseNotFound         = "LICENSE_NOT_FOUND"
	CodeLicenseInactive         = "LICENSE_INACTIVE"
	CodeHardwareMismatch        = "HARDWARE_MISMATCH"
	CodeVoucherRevoked          = "VOUCHER_REVOKED"
	CodeLicenseExpired          = "LICENSE_EXPIRED"
	CodeLicenseInvalid          = "LICENSE_INVALID"
	CodeUnavailable             = "SERVICE_UNAVAILABLE"
	CodeInternal                = "INTERNAL"
)

// classified lists every sentinel with its wire code and kind. Order matters:
// ErrArtifactInvalid wraps the codec errors and must match first.
var classified = []struct {
	err  error
	code string
	kind Kind
}{
	{ErrSecretMissing, CodeInternal, KindConfiguration},
	{ErrSecretTooShort, CodeInternal, KindConfiguration},
	{ErrInvalidLicenseID, CodeInvalidLicenseID, KindValidation},
	{ErrInvalidIntent, CodeInvalidRequest, KindValidation},
	{ErrInvalidVoucherSpec, CodeInvalidRequest, KindValidation},
	{ErrInvalidRequest, CodeInvalidRequest, KindValidation},
	{ErrHardwareAlreadyLicensed, CodeHardwareAlreadyLicensed, KindBusiness},
	{ErrVoucherNotFound, CodeVoucherNotFound, KindBusiness},
	{ErrVoucherInactive, CodeVoucherInactive, KindBusiness},
	{ErrVoucherExhausted, CodeVoucherExhausted, KindBusiness},
	{ErrVoucherExpired, CodeVoucherExpired, KindBusiness},
	{ErrDuplicateCode, CodeDuplicateCode, KindBusiness},
	{ErrLicenseNotFound, CodeLicenseNotFound, KindBusiness},
	{ErrLicenseInactive, CodeLicenseInactive, KindBusiness},
	{ErrHardwareMismatch, CodeHardwareMismatch, KindBusiness},
	{ErrVoucherRevoked, CodeVoucherRevoked, KindBusiness},
	{ErrLicenseExpired, CodeLicenseExpired, KindBusiness},
	{ErrArtifactInvalid, CodeLicenseInvalid, KindIntegrity},
	{ErrSignatureInvalid, CodeLicenseInvalid, KindIntegrity},
	{ErrArtifactMalformed, CodeLicenseInvalid, KindIntegrity},
	{store.ErrUnavailable, CodeUnavailable, KindTransient},
	{store.ErrConflict, CodeUnavailable, KindTransient},
	{ErrServerUnreachable, CodeUnavailable, KindTransient},
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	for _, c := range classified {
		if errors.Is(err, c.err) {
			return c.kind
		}
	}
	return KindInternal
}

// Code returns the stable wire code for err. Integrity failures all share
// CodeLicenseInvalid so callers learn nothing about which check failed.
func Code(err error) string {
	for _, c := range classified {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Message returns the text safe to show a remote caller.
func Message(err error) string {
	switch KindOf(err) {
	case KindIntegrity:
		return "license validation failed"
	case KindTransient:
		return "service temporarily unavailable, retry later"
	case KindInternal, KindConfiguration:
		return "internal error"
	}
	return err.Error()
}

// ServerError represents an error response from a license server.
// The server returns errors in the format: {"error": {"code": "...", "message": "..."}}.
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: [%s] %s", e.StatusCode, e.Code, e.Message)
}

// mapServerError converts a ServerError to a well-known sentinel error if possible.
// The returned error wraps both the sentinel error and the original ServerError
// so callers can use errors.Is() for sentinel checks and errors.As() for details.
func mapServerError(se *ServerError) error {
	var sentinel error
	switch se.Code {
	case CodeInternal:
		return se
	case CodeLicenseInvalid:
		sentinel = ErrArtifactInvalid
	case CodeUnavailable:
		sentinel = ErrStorageUnavailable
	case CodeInvalidRequest:
		sentinel = ErrInvalidRequest
	default:
		for _, c := range classified {
			if c.code == se.Code {
				sentinel = c.err
				break
			}
		}
	}
	if sentinel == nil {
		return se
	}
	return &mappedError{sentinel: sentinel, server: se}
}

// mappedError wraps a sentinel error with the original ServerError details.
type mappedError struct {
	sentinel error
	server   *ServerError
}

func (e *mappedError) Error() string {
	return e.sentinel.Error()
}

func (e *mappedError) Is(target error) bool {
	return target == e.sentinel
}

func (e *mappedError) As(target interface{}) bool {
	if t, ok := target.(**ServerError); ok {
		*t = e.server
		return true
	}
	return false
}

func (e *mappedError) Unwrap() error {
	return e.sentinel
}
