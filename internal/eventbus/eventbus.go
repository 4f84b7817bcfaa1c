// Package eventbus implements the typed, many-to-many fan-out used to
// notify observers of supervisor state changes. Subscribers only see events
// emitted after they subscribe; there is no replay buffer.
package eventbus

import "sync"

// Topic names the event channels used by the core, per spec §4.9.
type Topic string

const (
	TopicStreamStats           Topic = "stream_stats"
	TopicStreamEnded           Topic = "stream_ended"
	TopicStreamError           Topic = "stream_error"
	TopicProfileChanged        Topic = "profile_changed"
	TopicSettingsChanged       Topic = "settings_changed"
	TopicThemesUpdated         Topic = "themes_updated"
	TopicFfmpegDownloadProgress Topic = "ffmpeg_download_progress"
	TopicLog                   Topic = "log://log"
)

// Event is one payload published on a topic. Payload is whatever the
// publisher passes to Publish; the bus copies nothing beyond the Go value
// itself — publishers are expected to pass immutable snapshots.
type Event struct {
	Topic   Topic
	Payload any
}

// Bus is a typed many-to-many publish/subscribe hub. The zero value is not
// usable; construct with New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]chan Event
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[Topic][]chan Event)}
}

// Subscribe registers a new observer for topic and returns a channel of
// buffered size bufferSize (0 means unbuffered). Call the returned cancel
// function to unsubscribe; it is safe to call more than once.
func (b *Bus) Subscribe(topic Topic, bufferSize int) (ch <-chan Event, cancel func()) {
	c := make(chan Event, bufferSize)

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], c)
	b.mu.Unlock()

	var once sync.Once
	cancelFn := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[topic]
			for i, s := range subs {
				if s == c {
					b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
					close(c)
					break
				}
			}
		})
	}
	return c, cancelFn
}

// Publish fans payload out to every current subscriber of topic. Sends are
// non-blocking: a subscriber whose channel is full drops the event rather
// than stalling the publisher, since stats/log events are inherently
// best-effort.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	subs := append([]chan Event(nil), b.subscribers[topic]...)
	b.mu.RUnlock()

	event := Event{Topic: topic, Payload: payload}
	for _, c := range subs {
		select {
		case c <- event:
		default:
		}
	}
}
