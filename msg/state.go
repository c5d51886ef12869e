package msg

import "fmt"

// The lifecycle of a channel endpoint.  States are bit flags so that
// preconditions spanning several states can be checked with one mask.
//
//   unattached --> attached --> running --> detached --> closed
//        |            |                        ^
//        |            |------------------------|
//        |------------------------------------------------^
type EndpointState uint32

const (
	EndpointUnattached EndpointState = 1 << iota
	EndpointAttached
	EndpointRunning
	EndpointDetached
	EndpointClosed
)

func (s EndpointState) Is(mask EndpointState) bool {
	return s&mask != 0
}

func (s EndpointState) String() string {
	switch s {
	default:
		return fmt.Sprintf("EndpointState(%b)", uint32(s))
	case EndpointUnattached:
		return "Unattached"
	case EndpointAttached:
		return "Attached"
	case EndpointRunning:
		return "Running"
	case EndpointDetached:
		return "Detached"
	case EndpointClosed:
		return "Closed"
	}
}
