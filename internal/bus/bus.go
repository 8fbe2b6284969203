// Package bus fans connection events out to in-process consumers.
package bus

import (
	"log/slog"

	"github.com/cskr/pubsub"

	"blewatch/internal/connevents"
)

// Topic names stay private; consumers pick a stream through the typed
// methods instead of addressing topics directly.
const (
	topicConnStatus = "conn.status"
	topicRSSISample = "rssi.sample"
)

// Subscription is a receive channel for bus events. The element type is any
// because one channel may carry several event kinds; consumers assert on the
// concrete connevents type they subscribed for.
type Subscription chan any

type MessageBus interface {
	PublishStatus(status connevents.ConnStatus)
	PublishSample(sample connevents.RSSISample)
	SubscribeStatus() Subscription
	SubscribeSamples() Subscription
	Unsubscribe(sub Subscription)
	Close()
}

type PubSubBus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger
}

func New(logger *slog.Logger) *PubSubBus {
	if logger == nil {
		logger = slog.Default().With("component", "bus")
	}

	return &PubSubBus{
		ps:     pubsub.New(128),
		logger: logger,
	}
}

func (b *PubSubBus) PublishStatus(status connevents.ConnStatus) {
	b.logger.Debug("publish", "topic", topicConnStatus, "state", status.State)
	b.ps.Pub(status, topicConnStatus)
}

func (b *PubSubBus) PublishSample(sample connevents.RSSISample) {
	b.logger.Debug("publish", "topic", topicRSSISample, "address", sample.Address)
	b.ps.Pub(sample, topicRSSISample)
}

func (b *PubSubBus) SubscribeStatus() Subscription {
	b.logger.Debug("subscribe", "topic", topicConnStatus)
	return b.ps.Sub(topicConnStatus)
}

func (b *PubSubBus) SubscribeSamples() Subscription {
	b.logger.Debug("subscribe", "topic", topicRSSISample)
	return b.ps.Sub(topicRSSISample)
}

func (b *PubSubBus) Unsubscribe(sub Subscription) {
	b.ps.Unsub(sub)
	b.logger.Debug("unsubscribe")
}

func (b *PubSubBus) Close() {
	b.ps.Shutdown()
}
