package manager

import "errors"

// ErrUnknownRole marks a ForwardSpec whose Role is neither
// config.RoleServer nor config.RoleClient. config.ForwardSpec.Validate
// already rejects this before Start reaches buildForwarder, so this
// sentinel only fires if a caller constructs a Document by hand and
// skips Validate.
var ErrUnknownRole = errors.New("manager: unhandled forward role")
