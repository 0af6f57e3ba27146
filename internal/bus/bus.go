// SPDX-License-Identifier: MIT

// Package bus provides in-process fan-out of pipeline progress to
// observers. Delivery is best-effort and in-order per topic; publishers
// never block. Subscribers that must not miss events poll the store.
package bus

import "time"

// Topic identifies an event stream.
type Topic string

const (
	TopicScanProgress  Topic = "scan.progress"
	TopicJobState      Topic = "job.state"
	TopicProviderState Topic = "provider.health"
	TopicRateLimit     Topic = "ratelimit.pressure"
)

// Event is a single published message.
type Event struct {
	Topic   Topic
	Time    time.Time
	Payload any
}

// Bus is the publish side of the event fan-out.
type Bus interface {
	Publish(topic Topic, payload any)
	Subscribe(topic Topic) *Subscription
}
