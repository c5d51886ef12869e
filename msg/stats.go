package msg

import (
	"fmt"

	metrics "github.com/rcrowley/go-metrics"
	uuid "github.com/satori/go.uuid"
)

type ChannelStats struct {
	registry metrics.Registry

	// track message stats
	messagesSent     metrics.Counter
	messagesReceived metrics.Counter
	messagesDropped  metrics.Counter

	// track byte stats
	bytesSent     metrics.Counter
	bytesReceived metrics.Counter

	// track endpoint stats
	endpointsAttached metrics.Counter
	endpointsDetached metrics.Counter

	protocolErrors metrics.Counter
}

func NewChannelStats(id uuid.UUID) *ChannelStats {
	r := metrics.NewRegistry()

	return &ChannelStats{
		registry: r,
		messagesSent: metrics.NewRegisteredCounter(
			newChannelMetricName(id, "channel.MessagesSent"), r),
		messagesReceived: metrics.NewRegisteredCounter(
			newChannelMetricName(id, "channel.MessagesReceived"), r),
		messagesDropped: metrics.NewRegisteredCounter(
			newChannelMetricName(id, "channel.MessagesDropped"), r),

		bytesSent: metrics.NewRegisteredCounter(
			newChannelMetricName(id, "channel.BytesSent"), r),
		bytesReceived: metrics.NewRegisteredCounter(
			newChannelMetricName(id, "channel.BytesReceived"), r),

		endpointsAttached: metrics.NewRegisteredCounter(
			newChannelMetricName(id, "channel.EndpointsAttached"), r),
		endpointsDetached: metrics.NewRegisteredCounter(
			newChannelMetricName(id, "channel.EndpointsDetached"), r),

		protocolErrors: metrics.NewRegisteredCounter(
			newChannelMetricName(id, "channel.ProtocolErrors"), r)}
}

func newChannelMetricName(id uuid.UUID, name string) string {
	return fmt.Sprintf("-- %v --: %s", id, name)
}

// The registry holding every counter of the channel.
func (s *ChannelStats) Registry() metrics.Registry {
	return s.registry
}

func (s *ChannelStats) MessagesSent() int64 {
	return s.messagesSent.Count()
}

func (s *ChannelStats) MessagesReceived() int64 {
	return s.messagesReceived.Count()
}

func (s *ChannelStats) MessagesDropped() int64 {
	return s.messagesDropped.Count()
}

func (s *ChannelStats) BytesSent() int64 {
	return s.bytesSent.Count()
}

func (s *ChannelStats) BytesReceived() int64 {
	return s.bytesReceived.Count()
}

func (s *ChannelStats) EndpointsAttached() int64 {
	return s.endpointsAttached.Count()
}

func (s *ChannelStats) EndpointsDetached() int64 {
	return s.endpointsDetached.Count()
}

func (s *ChannelStats) ProtocolErrors() int64 {
	return s.protocolErrors.Count()
}
