package history

import "errors"

// ErrInvalidRecord is returned for writes missing required identifiers.
var ErrInvalidRecord = errors.New("history: invalid record")
