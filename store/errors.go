package store

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// unavailable marks err as a transient storage failure.
func unavailable(err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// isTransient reports driver-independent conditions that callers may retry:
// expired deadlines, cancellation and network errors.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// wrap annotates err with op, classifying transient failures as ErrUnavailable.
// Sentinels from this package pass through untouched.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDuplicateCode),
		errors.Is(err, ErrConflict), errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrVoucherInactive), errors.Is(err, ErrVoucherExhausted),
		errors.Is(err, ErrVoucherExpired):
		return err
	case isTransient(err):
		return fmt.Errorf("%s: %w", op, unavailable(err))
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
