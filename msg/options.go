package msg

import "github.com/pkopriv2/conduit/common"

const (
	confContractFatal = "conduit.msg.contract.fatal"
	confQueueHint     = "conduit.msg.channel.queue.hint"
)

const (
	defaultContractFatal = true
	defaultQueueHint     = 64
)

type ChannelOptions struct {

	// Whether contract violations panic (the default) or are only logged
	// and returned.
	ContractFatal bool

	// Initial capacity of the outbound queue.
	QueueHint int
}

func buildChannelOptions(config common.Config) ChannelOptions {
	return ChannelOptions{
		ContractFatal: config.OptionalBool(confContractFatal, defaultContractFatal),
		QueueHint:     config.OptionalInt(confQueueHint, defaultQueueHint),
	}
}

// Applies the deployment policy for contract violations.  Violations are
// bugs in the calling code, so by default the process is brought down
// rather than left running with a corrupt routing table.
func reportViolation(logger common.Logger, fatal bool, err error) error {
	if err == nil || !IsContractViolation(err) {
		return err
	}

	logger.Error("Contract violation: %+v", err)
	if fatal {
		panic(err)
	}
	return err
}
