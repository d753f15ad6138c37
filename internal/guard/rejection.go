package guard

import (
	"errors"
	"fmt"
)

// Rejection classifies why the guard refused a message.
type Rejection string

const (
	RejectInvalidSignature Rejection = "invalid_signature"
	RejectExpired          Rejection = "expired"
	RejectUnauthorized     Rejection = "unauthorized"
	RejectRateLimited      Rejection = "rate_limited"
)

// Denied is the typed error returned for every policy outcome, so
// callers can switch on the reason instead of matching error strings.
type Denied struct {
	Reason Rejection
	Detail string
}

func (d *Denied) Error() string {
	if d.Detail == "" {
		return fmt.Sprintf("access denied: %s", d.Reason)
	}
	return fmt.Sprintf("access denied: %s: %s", d.Reason, d.Detail)
}

func deny(reason Rejection, format string, args ...any) *Denied {
	return &Denied{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the rejection reason from an error, reporting
// whether the error is a guard denial at all.
func ReasonOf(err error) (Rejection, bool) {
	var d *Denied
	if !errors.As(err, &d) {
		return "", false
	}
	return d.Reason, true
}
