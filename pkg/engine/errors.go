package engine

import (
	"errors"

	"github.com/atharvParlikar/perpetra/pkg/engine/account"
	"github.com/atharvParlikar/perpetra/pkg/engine/book"
)

// Error kinds surfaced at the API boundary. Book and accounts errors are
// re-exported so callers only import this package.
var (
	ErrValidation             = errors.New("validation error")
	ErrAuth                   = errors.New("authentication failed")
	ErrBackpressure           = errors.New("engine busy, retry")
	ErrInsufficientCollateral = account.ErrInsufficientCollateral
	ErrUnknownOrder           = book.ErrUnknownOrder
	ErrNotOwner               = book.ErrNotOwner
)
