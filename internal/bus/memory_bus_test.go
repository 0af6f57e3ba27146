// SPDX-License-Identifier: MIT

package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	sub := b.Subscribe(TopicJobState)
	defer sub.Close()

	b.Publish(TopicJobState, "one")
	b.Publish(TopicJobState, "two")

	ev := <-sub.C()
	assert.Equal(t, TopicJobState, ev.Topic)
	assert.Equal(t, "one", ev.Payload)
	ev = <-sub.C()
	assert.Equal(t, "two", ev.Payload)
}

func TestTopicIsolation(t *testing.T) {
	b := NewMemoryBus()
	scans := b.Subscribe(TopicScanProgress)
	defer scans.Close()

	b.Publish(TopicJobState, "job")
	b.Publish(TopicScanProgress, "scan")

	ev := <-scans.C()
	assert.Equal(t, "scan", ev.Payload)
	select {
	case ev := <-scans.C():
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := NewMemoryBus()
	sub := b.Subscribe(TopicScanProgress)
	defer sub.Close()

	// Publisher must never block, even well past the buffer bound.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBuffer*3; i++ {
			b.Publish(TopicScanProgress, i)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	// The survivors are the most recent events, still in order.
	var got []int
	for {
		select {
		case ev := <-sub.C():
			got = append(got, ev.Payload.(int))
			continue
		default:
		}
		break
	}
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), defaultBuffer)
	assert.Equal(t, defaultBuffer*3-1, got[len(got)-1])
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}
}

func TestCloseRemovesSubscriber(t *testing.T) {
	b := NewMemoryBus()
	sub := b.Subscribe(TopicJobState)
	sub.Close()

	// Publishing after close must not panic.
	b.Publish(TopicJobState, "late")

	_, open := <-sub.C()
	assert.False(t, open)
}
