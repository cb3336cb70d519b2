package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errStoreDown = errors.New("store is down")

// memStore is an in-memory Repository and CheckpointStore with failure
// injection.
type memStore struct {
	mu           sync.Mutex
	listings     []*ListingRecord
	transactions []*TransactionRecord
	checkpoint   *Checkpoint
	nextID       int64

	saveErr      func(e *Envelope) error
	countErr     map[Kind]error
	loadErr      error
	saveCkptErr  error
	countBlock   chan struct{}
	countCalls   int
	savedCkpts   int
	loadedCkpts  int
	lastCountEnd map[Kind]time.Time
}

var _ Repository = (*memStore)(nil)
var _ CheckpointStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{countErr: map[Kind]error{}, lastCountEnd: map[Kind]time.Time{}}
}

func (s *memStore) Save(ctx context.Context, e *Envelope) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		if err := s.saveErr(e); err != nil {
			return false, err
		}
	}
	s.nextID++
	switch p := e.Payload.(type) {
	case *ListingPayload:
		for _, r := range s.listings {
			if r.TraceID == e.TraceID {
				return false, nil
			}
		}
		s.listings = append(s.listings, &ListingRecord{
			ID: s.nextID, TraceID: e.TraceID, UserID: p.UserID, ItemID: p.ItemID,
			Price: p.Price, OccurredAt: e.OccurredAt, DateCreated: time.Now(),
		})
	case *TransactionPayload:
		for _, r := range s.transactions {
			if r.TraceID == e.TraceID {
				return false, nil
			}
		}
		s.transactions = append(s.transactions, &TransactionRecord{
			ID: s.nextID, TraceID: e.TraceID, UserID: p.UserID, TransactionID: p.TransactionID,
			Amount: p.Amount, OccurredAt: e.OccurredAt, DateCreated: time.Now(),
		})
	}
	return true, nil
}

func within(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

func (s *memStore) FindListings(ctx context.Context, start, end time.Time) ([]*ListingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ListingRecord
	for _, r := range s.listings {
		if within(r.OccurredAt, start, end) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) FindTransactions(ctx context.Context, start, end time.Time) ([]*TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TransactionRecord
	for _, r := range s.transactions {
		if within(r.OccurredAt, start, end) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) CountEvents(ctx context.Context, kind Kind, start, end time.Time) (uint64, error) {
	s.mu.Lock()
	s.countCalls++
	s.lastCountEnd[kind] = end
	block := s.countBlock
	err := s.countErr[kind]
	s.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return 0, err
	}

	var n uint64
	switch kind {
	case ListingEvent:
		l, _ := s.FindListings(ctx, start, end)
		n = uint64(len(l))
	case TransactionEvent:
		t, _ := s.FindTransactions(ctx, start, end)
		n = uint64(len(t))
	}
	return n, nil
}

func (s *memStore) LoadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadedCkpts++
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.checkpoint == nil {
		return nil, ErrCheckpointNotFound
	}
	c := *s.checkpoint
	return &c, nil
}

func (s *memStore) SaveCheckpoint(ctx context.Context, c *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveCkptErr != nil {
		return s.saveCkptErr
	}
	cp := *c
	s.checkpoint = &cp
	s.savedCkpts++
	return nil
}

func (s *memStore) storedCheckpoint() *Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpoint == nil {
		return nil
	}
	c := *s.checkpoint
	return &c
}

func (s *memStore) counts() (listings, transactions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listings), len(s.transactions)
}

// memBroker is an in-memory Publisher and Subscriber. Unacknowledged
// messages are redelivered to the next subscription, like a durable consumer
// group after a restart.
type memBroker struct {
	mu         sync.Mutex
	queue      [][]byte
	acked      map[int]bool
	published  []*Message
	publishErr error
	closed     bool
}

var _ Publisher = (*memBroker)(nil)
var _ Subscriber = (*memBroker)(nil)

func newMemBroker() *memBroker {
	return &memBroker{acked: map[int]bool{}}
}

func (b *memBroker) Publish(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, msg)
	b.queue = append(b.queue, msg.Payload)
	return nil
}

// Subscribe delivers every unacknowledged message in publication order.
func (b *memBroker) Subscribe(ctx context.Context, topic string) (<-chan *Message, error) {
	b.mu.Lock()
	var pending []int
	for i := range b.queue {
		if !b.acked[i] {
			pending = append(pending, i)
		}
	}
	b.mu.Unlock()

	out := make(chan *Message)
	go func() {
		defer close(out)
		for _, i := range pending {
			i := i
			b.mu.Lock()
			payload := b.queue[i]
			b.mu.Unlock()
			msg := NewMessage(topic, nil, payload, func() error {
				b.mu.Lock()
				defer b.mu.Unlock()
				b.acked[i] = true
				return nil
			})
			select {
			case <-ctx.Done():
				return
			case out <- msg:
			}
		}
		<-ctx.Done()
	}()
	return out, nil
}

func (b *memBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *memBroker) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func (b *memBroker) ackedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.acked)
}

// push enqueues a raw payload bypassing the codec.
func (b *memBroker) push(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, payload)
}

// fixedClock returns a clock that can be moved by tests.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func ptr[T any](v T) *T {
	return &v
}
