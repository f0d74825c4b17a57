package registry

import "errors"

// ErrNotConnected is returned when a send is attempted to a node id that is
// not currently present in the live connection map.
var ErrNotConnected = errors.New("registry: node not connected")
