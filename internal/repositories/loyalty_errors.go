package repositories

import (
	"errors"
	"fmt"
)

// StaleLoyaltyError reports a loyalty write computed from fewer completed orders than the
// stored values already cover. Completed orders never leave that state, so a smaller count
// always means an older read.
type StaleLoyaltyError struct {
	CustomerID string
	Stored     int
	Attempted  int
}

// Error implements the error interface.
func (e *StaleLoyaltyError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("users.update_loyalty: customer %s already covers %d completed orders, write covers %d", e.CustomerID, e.Stored, e.Attempted)
}

// IsNotFound always reports false.
func (e *StaleLoyaltyError) IsNotFound() bool { return false }

// IsConflict reports true; a newer recompute has already been stored.
func (e *StaleLoyaltyError) IsConflict() bool { return e != nil }

// IsUnavailable always reports false.
func (e *StaleLoyaltyError) IsUnavailable() bool { return false }

// CheckLoyaltyWatermark rejects an update whose order count is behind the stored one.
func CheckLoyaltyWatermark(customerID string, stored, attempted int) error {
	if attempted < stored {
		return &StaleLoyaltyError{CustomerID: customerID, Stored: stored, Attempted: attempted}
	}
	return nil
}

// IsStaleLoyalty reports whether err carries a StaleLoyaltyError.
func IsStaleLoyalty(err error) bool {
	var stale *StaleLoyaltyError
	return errors.As(err, &stale)
}
