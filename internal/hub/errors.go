package hub

import "errors"

// ErrConnectionNotFound is returned by operations that target a specific
// connection id no longer present in the registry.
var ErrConnectionNotFound = errors.New("connection not found")
