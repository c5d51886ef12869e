package msg

import "github.com/pkg/errors"

// The single failure class of the endpoint lifecycle: a caller broke a
// precondition.  These are bugs in the calling code, never operational
// conditions.
var (
	ErrContractViolation = errors.New("Msg:ContractViolation")
)

// Channel errors
var (
	ErrChannelClosed   = errors.New("Msg:ChannelClosed")
	ErrEndpointUnknown = errors.New("Msg:EndpointUnknown")
	ErrRouteExists     = errors.New("Msg:RouteExists")
	ErrProtocol        = errors.New("Msg:ProtocolError")
)

// Pipe errors
var (
	ErrClosed     = errors.New("Msg:Closed")
	ErrPeerClosed = errors.New("Msg:PeerClosed")
	ErrShouldWait = errors.New("Msg:ShouldWait")
	ErrCanceled   = errors.New("Msg:Canceled")

	ErrMessageTooLarge = errors.New("Msg:MessageTooLarge")
)

// Id pool errors
var (
	ErrIdPoolCapacity = errors.New("Msg:IdPoolCapacity")
	ErrIdPoolInvalid  = errors.New("Msg:IdPoolInvalid")
)

func violation(format string, args ...interface{}) error {
	return errors.Wrapf(ErrContractViolation, format, args...)
}

// Reports whether the error is (or wraps) a contract violation.
func IsContractViolation(err error) bool {
	return errors.Cause(err) == ErrContractViolation
}
