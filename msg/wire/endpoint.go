package wire

import "strconv"

// An endpoint id addresses one endpoint within the routing table of
// a single channel.  Ids are only unique per channel and may be reused
// once released.
type EndpointId uint32

const (
	// The sentinel meaning "no id assigned".
	InvalidEndpointId EndpointId = 0

	// Reserved by both sides of every channel for the bootstrap pipe.
	BootstrapEndpointId EndpointId = 1
)

func (e EndpointId) Valid() bool {
	return e != InvalidEndpointId
}

func (e EndpointId) String() string {
	if e == InvalidEndpointId {
		return "invalid"
	}
	return strconv.FormatUint(uint64(e), 10)
}
