package overlay

import "errors"

// ErrPeerNotFound wraps a DHT resolution failure: transient during
// establishment (the provider has not yet been seen) or permanent if no
// server ever advertised the requested sub-public-key. The forwarder
// engines surface this as spec.md's PeerNotFound/ProbeError kinds
// depending on whether it happened during the startup probe or later.
var ErrPeerNotFound = errors.New("overlay: peer not found")
