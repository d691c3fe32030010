package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tourplan/internal/logging"
	"tourplan/internal/tour"
)

// RedisBroker implements EventBroker over Redis Pub/Sub so that every API
// replica sees events published by any other.
type RedisBroker struct {
	rdb *redis.Client
	log *logging.Logger

	mu   sync.Mutex
	subs map[chan tour.Event]*redis.PubSub

	queue     chan outbound
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

const publishQueueSize = 256

type outbound struct {
	tourID string
	kind   string
	data   []byte
}

func NewRedisBroker(url string, log *logging.Logger) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop()
	}
	return newRedisBroker(redis.NewClient(opt), log), nil
}

func newRedisBroker(rdb *redis.Client, log *logging.Logger) *RedisBroker {
	b := &RedisBroker{
		rdb:   rdb,
		log:   log,
		subs:  map[chan tour.Event]*redis.PubSub{},
		queue: make(chan outbound, publishQueueSize),
		quit:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *RedisBroker) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *RedisBroker) Subscribe(tourID string) chan tour.Event {
	ch := make(chan tour.Event, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, chanName(tourID))
	// wait for the subscription confirmation so no event published right
	// after Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		b.log.Warn(b.log.WithFields(ctx, map[string]any{"tour_id": tourID, "error": err.Error()}), "redis subscribe failed")
	}

	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()

	msgs := ps.Channel()
	go func() {
		defer close(ch)
		for msg := range msgs {
			var evt tour.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}()
	return ch
}

// Unsubscribe closes the underlying PubSub; the forwarding goroutine then
// closes ch.
func (b *RedisBroker) Unsubscribe(_ string, ch chan tour.Event) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

// Publish queues evt for the background publisher. Events are dropped when
// the queue is full or the broker is closed.
func (b *RedisBroker) Publish(tourID string, evt tour.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case <-b.quit:
		return
	default:
	}
	select {
	case b.queue <- outbound{tourID: tourID, kind: evt.Type, data: data}:
	default:
		b.log.Warn(b.log.WithFields(context.Background(), map[string]any{"tour_id": tourID, "event": evt.Type}), "redis publish queue full, event dropped")
	}
}

// run publishes queued events in order. On close it flushes what is left
// under a single deadline.
func (b *RedisBroker) run() {
	defer b.wg.Done()
	for {
		select {
		case m := <-b.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			b.send(ctx, m)
			cancel()
		case <-b.quit:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				select {
				case m := <-b.queue:
					b.send(ctx, m)
				default:
					return
				}
			}
		}
	}
}

func (b *RedisBroker) send(ctx context.Context, m outbound) {
	if err := b.rdb.Publish(ctx, chanName(m.tourID), m.data).Err(); err != nil {
		b.log.Warn(b.log.WithFields(ctx, map[string]any{"tour_id": m.tourID, "event": m.kind, "error": err.Error()}), "redis publish failed")
	}
}

func (b *RedisBroker) Close() error {
	b.closeOnce.Do(func() { close(b.quit) })
	b.wg.Wait()

	b.mu.Lock()
	for ch, ps := range b.subs {
		_ = ps.Close()
		delete(b.subs, ch)
	}
	b.mu.Unlock()
	return b.rdb.Close()
}

func chanName(tourID string) string { return "tour:" + tourID }
