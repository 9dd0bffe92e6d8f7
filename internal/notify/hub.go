package notify

import (
	"context"
	"errors"
	"sort"
	"sync"

	"wisefido-incident/internal/models"
)

// ErrSubscriberLagging is set on a live subscriber whose buffer overflowed;
// the client reconnects with its last sequence and replays the gap.
var ErrSubscriberLagging = errors.New("subscriber lagging")

// errSequenceGap: the next buffered envelope is not lastSeq+1.
var errSequenceGap = errors.New("sequence gap")

// Subscriber 一个在线订阅（通常对应一条 WebSocket 连接）
type Subscriber struct {
	GroupKey     string
	SubscriberID string

	ch     chan models.NotificationEnvelope
	done   chan struct{}
	ready  chan struct{}
	resync chan struct{}

	readyOnce sync.Once

	mu      sync.Mutex
	live    bool
	closed  bool
	err     error
	lastSeq int64
	pending []models.NotificationEnvelope
}

func newSubscriber(groupKey, subscriberID string, lastSeq int64, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{
		GroupKey:     groupKey,
		SubscriberID: subscriberID,
		ch:           make(chan models.NotificationEnvelope, buffer),
		done:         make(chan struct{}),
		ready:        make(chan struct{}),
		resync:       make(chan struct{}, 1),
		lastSeq:      lastSeq,
	}
}

// C yields envelopes in sequence order without gaps or repeats.
func (s *Subscriber) C() <-chan models.NotificationEnvelope { return s.ch }

// Ready is closed once replay has finished and delivery is live.
func (s *Subscriber) Ready() <-chan struct{} { return s.ready }

// Done is closed when the subscription ends.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LastSequence is the highest sequence handed to C.
func (s *Subscriber) LastSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// offer is called by the hub for every live envelope of the group.
func (s *Subscriber) offer(env models.NotificationEnvelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !s.live {
		s.pending = append(s.pending, env)
		return
	}
	if env.SequenceNumber <= s.lastSeq {
		return
	}
	if env.SequenceNumber > s.lastSeq+1 {
		// 前一条还没到：另一个实例写的，或并发 Deliver 的顺序颠倒。
		// 退回追赶模式，由 Subscribe 从持久化队列补齐
		s.live = false
		s.pending = append(s.pending, env)
		select {
		case s.resync <- struct{}{}:
		default:
		}
		return
	}
	select {
	case s.ch <- env:
		s.lastSeq = env.SequenceNumber
	default:
		s.closeLocked(ErrSubscriberLagging)
	}
}

// send blocks; only used while the subscriber is still catching up.
func (s *Subscriber) send(ctx context.Context, env models.NotificationEnvelope) error {
	s.mu.Lock()
	skip := env.SequenceNumber <= s.lastSeq
	s.mu.Unlock()
	if skip {
		return nil
	}
	select {
	case s.ch <- env:
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	s.lastSeq = env.SequenceNumber
	s.mu.Unlock()
	return nil
}

// goLive flushes envelopes buffered during replay, then switches to direct delivery.
// With strict set it stops at the first envelope that is not contiguous with
// lastSeq, keeps the rest buffered and returns errSequenceGap.
func (s *Subscriber) goLive(ctx context.Context, strict bool) error {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.live = true
			s.readyOnce.Do(func() { close(s.ready) })
			s.mu.Unlock()
			return nil
		}
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		sort.Slice(batch, func(i, j int) bool { return batch[i].SequenceNumber < batch[j].SequenceNumber })
		for i, env := range batch {
			if strict && env.SequenceNumber > s.LastSequence()+1 {
				s.requeue(batch[i:])
				return errSequenceGap
			}
			if err := s.send(ctx, env); err != nil {
				return err
			}
		}
	}
}

func (s *Subscriber) requeue(envs []models.NotificationEnvelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(append([]models.NotificationEnvelope(nil), envs...), s.pending...)
}

func (s *Subscriber) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(err)
}

func (s *Subscriber) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	s.pending = nil
	close(s.done)
}

// Hub 按订阅组索引在线订阅者
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*Subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{groups: map[string]map[*Subscriber]struct{}{}}
}

func (h *Hub) add(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.groups[s.GroupKey] == nil {
		h.groups[s.GroupKey] = map[*Subscriber]struct{}{}
	}
	h.groups[s.GroupKey][s] = struct{}{}
}

// Remove detaches s and ends its subscription.
func (h *Hub) Remove(s *Subscriber) {
	h.remove(s, nil)
}

func (h *Hub) remove(s *Subscriber, err error) {
	h.mu.Lock()
	if subs := h.groups[s.GroupKey]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.groups, s.GroupKey)
		}
	}
	h.mu.Unlock()
	s.close(err)
}

// Publish never blocks on a slow subscriber.
func (h *Hub) Publish(env models.NotificationEnvelope) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.groups[env.GroupKey]))
	for s := range h.groups[env.GroupKey] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		s.offer(env)
	}
}

// Count returns the number of live subscribers of a group.
func (h *Hub) Count(groupKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[groupKey])
}
