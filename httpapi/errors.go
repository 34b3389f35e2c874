package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/CloudNativeWorks/cnw-hwid-license/hwlicense"
)

// statusFor maps err to the HTTP status for rt.
func statusFor(rt route, err error) int {
	switch hwlicense.KindOf(err) {
	case hwlicense.KindValidation:
		return http.StatusBadRequest
	case hwlicense.KindIntegrity:
		return http.StatusUnauthorized
	case hwlicense.KindTransient:
		return http.StatusServiceUnavailable
	case hwlicense.KindBusiness:
		switch {
		case errors.Is(err, hwlicense.ErrHardwareAlreadyLicensed),
			errors.Is(err, hwlicense.ErrDuplicateCode):
			return http.StatusConflict
		case rt == routeValidate:
			return http.StatusUnauthorized
		case rt == routeAdmin && errors.Is(err, hwlicense.ErrVoucherNotFound):
			return http.StatusNotFound
		default:
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, rt route, err error) {
	status := statusFor(rt, err)
	switch {
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	case status == http.StatusServiceUnavailable:
		s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Request failed with a transient error")
		w.Header().Set("Retry-After", "1")
	default:
		s.logger.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request rejected")
	}

	render.Status(r, status)
	render.JSON(w, r, hwlicense.ErrorResponse{Error: hwlicense.ErrorBody{
		Code:    hwlicense.Code(err),
		Message: hwlicense.Message(err),
	}})
}
