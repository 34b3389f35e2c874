package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/CloudNativeWorks/cnw-hwid-license/hwlicense"
	"github.com/CloudNativeWorks/cnw-hwid-license/store"
)

// route selects how business errors map to HTTP statuses.
type route int

const (
	routeRegister route = iota
	routeValidate
	routeAdmin
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req hwlicense.RegisterRequest
	if err := s.bind(r, &req); err != nil {
		s.renderError(w, r, routeRegister, err)
		return
	}

	intent := hwlicense.RegisterIntent{
		ClientName: req.ClientName,
		HardwareID: req.HardwareID,
	}
	if req.VoucherCode != nil {
		intent.VoucherCode = *req.VoucherCode
	}
	if req.Days != nil {
		intent.Days = *req.Days
	}

	// Not retried: if the first attempt committed, a retry would only see
	// the new license and report HARDWARE_ALREADY_LICENSED.
	lic, err := s.manager.Register(r.Context(), intent)
	if err != nil {
		s.renderError(w, r, routeRegister, err)
		return
	}
	render.JSON(w, r, hwlicense.RegisterResponse{
		LicenseID:       lic.ID.String(),
		Message:         "License registered successfully.",
		ExpiryDate:      lic.Expiry,
		VoucherCodeUsed: lic.VoucherCode,
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req hwlicense.ValidateRequest
	if err := s.bind(r, &req); err != nil {
		s.renderError(w, r, routeValidate, err)
		return
	}

	res, err := hwlicense.Retry(r.Context(), s.retry, func(ctx context.Context) (*hwlicense.ValidationResult, error) {
		return s.manager.Validate(ctx, req.LicenseID, req.HardwareID)
	})
	if err != nil {
		s.renderError(w, r, routeValidate, err)
		return
	}
	render.JSON(w, r, hwlicense.ValidateResponse{
		IsValid:                true,
		ExpiryDate:             res.Expiry,
		ClientName:             res.ClientName,
		OfflineGracePeriodDays: res.OfflineGracePeriodDays,
	})
}

// handleGenerateVoucher is not retried: a failure after the insert would
// otherwise create a second voucher.
func (s *Server) handleGenerateVoucher(w http.ResponseWriter, r *http.Request) {
	var req hwlicense.GenerateVoucherRequest
	if err := s.bind(r, &req); err != nil {
		s.renderError(w, r, routeAdmin, err)
		return
	}

	v, err := s.manager.GenerateVoucher(r.Context(), hwlicense.VoucherSpec{
		AllowedDevices: req.AllowedDevices,
		DurationDays:   req.DurationDays,
		Description:    req.Description,
		Expiry:         req.ExpiryDate,
	})
	if err != nil {
		s.renderError(w, r, routeAdmin, err)
		return
	}
	render.JSON(w, r, hwlicense.GenerateVoucherResponse{
		Message:     "Voucher generated successfully.",
		VoucherCode: v.Code,
	})
}

func (s *Server) handleVoucher(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	v, err := hwlicense.Retry(r.Context(), s.retry, func(ctx context.Context) (*store.Voucher, error) {
		return s.manager.Voucher(ctx, code)
	})
	if err != nil {
		s.renderError(w, r, routeAdmin, err)
		return
	}
	render.JSON(w, r, v)
}

func (s *Server) handleDeactivateVoucher(w http.ResponseWriter, r *http.Request) {
	var req hwlicense.DeactivateVoucherRequest
	if err := s.bind(r, &req); err != nil {
		s.renderError(w, r, routeAdmin, err)
		return
	}

	changed, err := hwlicense.Retry(r.Context(), s.retry, func(ctx context.Context) (bool, error) {
		return s.manager.DeactivateVoucher(ctx, req.VoucherCode)
	})
	if err != nil {
		s.renderError(w, r, routeAdmin, err)
		return
	}
	msg := "Voucher is already inactive."
	if changed {
		msg = fmt.Sprintf("Voucher %s deactivated successfully.", req.VoucherCode)
	}
	render.JSON(w, r, hwlicense.MessageResponse{Message: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r); err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed")
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, map[string]string{"status": "unavailable"})
			return
		}
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// bind decodes the JSON body into dst and validates it.
func (s *Server) bind(r *http.Request, dst interface{}) error {
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: request body exceeds %d bytes", hwlicense.ErrInvalidRequest, tooLarge.Limit)
		}
		return fmt.Errorf("%w: malformed JSON body", hwlicense.ErrInvalidRequest)
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", hwlicense.ErrInvalidRequest, validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
