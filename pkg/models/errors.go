package models

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the runtime. Match with errors.Is.
var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrTenantNotFound       = errors.New("tenant not found")
	ErrTenantInactive       = errors.New("tenant inactive")
	ErrNotLinked            = errors.New("chat not linked to a tenant")
	ErrBudgetExceeded       = errors.New("monthly budget exceeded")
	ErrUnregisteredProvider = errors.New("unregistered provider")
	ErrMissingCredentials   = errors.New("missing provider credentials")
	ErrProviderCallFailed   = errors.New("provider call failed")
	ErrSessionFinalized     = errors.New("session already finalized")
)

// BudgetExceededError carries the figures behind a budget rejection.
type BudgetExceededError struct {
	TenantID   string
	Plan       string
	SpentUSD   float64
	CeilingUSD float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("monthly budget exceeded for tenant %s (plan %s): spent $%.2f of $%.2f",
		e.TenantID, e.Plan, e.SpentUSD, e.CeilingUSD)
}

// Is lets errors.Is(err, ErrBudgetExceeded) match.
func (e *BudgetExceededError) Is(target error) bool {
	return target == ErrBudgetExceeded
}

// InvalidInputf builds an ErrInvalidInput with a message.
func InvalidInputf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
