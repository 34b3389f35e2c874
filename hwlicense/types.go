package hwlicense

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// legacyTimeLayout is the zone-less timestamp written by older artifacts.
// Such values are read as UTC.
const legacyTimeLayout = "2006-01-02T15:04:05.9999999"

// Payload is the plaintext sealed inside a license artifact. The JSON keys
// match artifacts already issued to clients and must not change.
type Payload struct {
	ClientName string    `json:"ClientName"`
	HardwareID string    `json:"HWID"`
	Expiry     time.Time `json:"ExpiryDate"`
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw struct {
		ClientName string `json:"ClientName"`
		HardwareID string `json:"HWID"`
		Expiry     string `json:"ExpiryDate"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	expiry, err := parseExpiry(raw.Expiry)
	if err != nil {
		return err
	}
	p.ClientName = raw.ClientName
	p.HardwareID = raw.HardwareID
	p.Expiry = expiry
	return nil
}

func parseExpiry(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(legacyTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse expiry %q: %w", s, err)
	}
	return t, nil
}

// RegisterIntent asks for a new license bound to HardwareID. Exactly one of
// VoucherCode or Days must be set.
type RegisterIntent struct {
	ClientName  string `validate:"required,max=255"`
	HardwareID  string `validate:"required,max=255"`
	VoucherCode string `validate:"omitempty,max=50"`
	Days        int    `validate:"omitempty,min=1,max=3650"`
}

// VoucherSpec describes a voucher to generate.
type VoucherSpec struct {
	AllowedDevices int        `validate:"min=1"`
	DurationDays   int        `validate:"min=1"`
	Description    *string    `validate:"omitempty,max=500"`
	Expiry         *time.Time `validate:"-"`
}

// ValidationResult is returned for a license that passed every check.
type ValidationResult struct {
	LicenseID              uuid.UUID `json:"license_id"`
	Expiry                 time.Time `json:"expiry_date"`
	ClientName             string    `json:"client_name"`
	OfflineGracePeriodDays int       `json:"offline_grace_period_days"`
}

// RegisterRequest is the request body for the /api/license/register endpoint.
type RegisterRequest struct {
	ClientName  string  `json:"client_name" validate:"required,max=255"`
	HardwareID  string  `json:"hwid" validate:"required,max=255"`
	VoucherCode *string `json:"voucher_code,omitempty" validate:"omitempty,max=50"`
	Days        *int    `json:"days,omitempty" validate:"omitempty,min=1,max=3650"`
}

// RegisterResponse is the response from the /api/license/register endpoint.
type RegisterResponse struct {
	LicenseID       string    `json:"license_id"`
	Message         string    `json:"message"`
	ExpiryDate      time.Time `json:"expiry_date"`
	VoucherCodeUsed *string   `json:"voucher_code_used"`
}

// ValidateRequest is the request body for the /api/license/validate endpoint.
type ValidateRequest struct {
	LicenseID  string `json:"license_id" validate:"required"`
	HardwareID string `json:"hwid" validate:"required,max=255"`
}

// ValidateResponse is the response from the /api/license/validate endpoint.
type ValidateResponse struct {
	IsValid                bool      `json:"is_valid"`
	ExpiryDate             time.Time `json:"expiry_date"`
	ClientName             string    `json:"client_name"`
	OfflineGracePeriodDays int       `json:"offline_grace_period_days"`
}

// GenerateVoucherRequest is the request body for the /api/license/generate-voucher endpoint.
type GenerateVoucherRequest struct {
	AllowedDevices int        `json:"allowed_devices" validate:"required,min=1"`
	DurationDays   int        `json:"duration_days" validate:"required,min=1"`
	Description    *string    `json:"description,omitempty" validate:"omitempty,max=500"`
	ExpiryDate     *time.Time `json:"expiry_date,omitempty"`
}

// GenerateVoucherResponse is the response from the /api/license/generate-voucher endpoint.
type GenerateVoucherResponse struct {
	Message     string `json:"message"`
	VoucherCode string `json:"voucher_code"`
}

// DeactivateVoucherRequest is the request body for the /api/license/deactivate-voucher endpoint.
type DeactivateVoucherRequest struct {
	VoucherCode string `json:"voucher_code" validate:"required,max=50"`
}

// MessageResponse carries a human-readable outcome.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody holds the wire code and message of a failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
