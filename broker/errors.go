package broker

import (
	"errors"
	"fmt"
)

// Taxonomy sentinels. Callers match with errors.Is against either these or
// the specific sentinels below.
var (
	ErrNotFound     = errors.New("broker: not found")
	ErrConflict     = errors.New("broker: conflict")
	ErrInvalidState = errors.New("broker: invalid state")
	ErrForbidden    = errors.New("broker: forbidden")
	ErrStorage      = errors.New("broker: storage failure")
)

var (
	ErrAlreadyPending  = fmt.Errorf("%w: user already has a pending request", ErrConflict)
	ErrAlreadyAccepted = fmt.Errorf("%w: user already has an accepted pairing", ErrConflict)
	ErrAdminAtCapacity = fmt.Errorf("%w: admin is at capacity", ErrConflict)
	ErrWrongAdmin      = fmt.Errorf("%w: request targets a different admin", ErrConflict)
	ErrNotPending      = fmt.Errorf("%w: request is not pending", ErrInvalidState)
	ErrNotBound        = fmt.Errorf("%w: user is not bound to that admin", ErrNotFound)
	ErrPairingDisabled = fmt.Errorf("%w: private pairing is disabled", ErrForbidden)
)

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}
