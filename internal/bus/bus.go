// Package bus carries all runtime events on per-(project, session) topics.
// Sequence numbers are assigned atomically at publish time; a bounded replay
// ring lets reconnecting subscribers catch up without gaps or duplicates.
package bus

import (
	"sync"
	"time"

	"github.com/linggen/linggen-agent/pkg/protocol"
)

const (
	defaultReplaySize = 1024
	defaultSubBuffer  = 256
)

// Bus is a multi-producer, multi-consumer event topic set.
type Bus struct {
	mu         sync.Mutex
	topics     map[string]*topic
	replaySize int
	subBuffer  int
	nextSubID  int
}

type topic struct {
	seq  uint64
	ring []protocol.Event // at most replaySize, oldest first
	subs map[int]*subscriber
}

type subscriber struct {
	id int
	ch chan protocol.Event
}

// Subscription is one attached consumer. Events closes when the subscriber is
// cancelled or disconnected for falling behind (last event is then a
// Run.resync marker).
type Subscription struct {
	Events <-chan protocol.Event
	cancel func()
}

// Cancel detaches the subscription. Idempotent.
func (s *Subscription) Cancel() { s.cancel() }

// New creates a Bus with the given replay-ring and subscriber-buffer sizes
// (zero means default).
func New(replaySize, subBuffer int) *Bus {
	if replaySize <= 0 {
		replaySize = defaultReplaySize
	}
	if subBuffer <= 0 {
		subBuffer = defaultSubBuffer
	}
	return &Bus{
		topics:     make(map[string]*topic),
		replaySize: replaySize,
		subBuffer:  subBuffer,
	}
}

func topicKey(project, session string) string { return project + "\x00" + session }

func (b *Bus) getTopic(key string) *topic {
	t, ok := b.topics[key]
	if !ok {
		t = &topic{subs: make(map[int]*subscriber)}
		b.topics[key] = t
	}
	return t
}

// Publish stamps the event with the topic's next sequence and the current
// timestamp, appends it to the replay ring, and fans it out. The stamped
// event is returned for journaling.
func (b *Bus) Publish(project, session string, ev protocol.Event) protocol.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.getTopic(topicKey(project, session))
	t.seq++
	ev.Sequence = t.seq
	ev.TsMs = time.Now().UnixMilli()

	t.ring = append(t.ring, ev)
	if len(t.ring) > b.replaySize {
		t.ring = t.ring[len(t.ring)-b.replaySize:]
	}

	for id, sub := range t.subs {
		// Keep the last slot free for the resync marker; a subscriber that
		// cannot absorb the normal flow is disconnected rather than blocking
		// publishers.
		if len(sub.ch) >= cap(sub.ch)-1 {
			sub.ch <- protocol.Event{
				Kind:    protocol.EventRun,
				Phase:   protocol.RunPhaseResync,
				AgentID: ev.AgentID,
				RunID:   ev.RunID,
				TsMs:    ev.TsMs,
			}
			close(sub.ch)
			delete(t.subs, id)
			continue
		}
		sub.ch <- ev
	}
	return ev
}

// Subscribe attaches to a topic. fromSeq > 0 replays every buffered event
// with sequence >= fromSeq before live delivery; if the ring no longer holds
// fromSeq, the stream starts with a resync marker so the client re-fetches
// state over HTTP first.
func (b *Bus) Subscribe(project, session string, fromSeq uint64) *Subscription {
	b.mu.Lock()

	t := b.getTopic(topicKey(project, session))
	b.nextSubID++
	sub := &subscriber{
		id: b.nextSubID,
		ch: make(chan protocol.Event, b.subBuffer+len(t.ring)+1),
	}

	if fromSeq > 0 {
		oldest := uint64(1)
		if len(t.ring) > 0 {
			oldest = t.ring[0].Sequence
		}
		if fromSeq < oldest && t.seq >= oldest {
			sub.ch <- protocol.Event{Kind: protocol.EventRun, Phase: protocol.RunPhaseResync, TsMs: time.Now().UnixMilli()}
		}
		for _, ev := range t.ring {
			if ev.Sequence >= fromSeq {
				sub.ch <- ev
			}
		}
	}
	t.subs[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	return &Subscription{
		Events: sub.ch,
		cancel: func() {
			once.Do(func() {
				b.mu.Lock()
				if _, live := t.subs[sub.id]; live {
					delete(t.subs, sub.id)
					close(sub.ch)
				}
				b.mu.Unlock()
			})
		},
	}
}

// LastSequence returns the topic's current sequence counter.
func (b *Bus) LastSequence(project, session string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topicKey(project, session)]; ok {
		return t.seq
	}
	return 0
}
