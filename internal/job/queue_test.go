package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	xerrors "OpenMEE-Chain/internal/errors"
)

func TestMemoryQueuePublishConsume(t *testing.T) {
	queue := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		done = make(chan struct{})
	)
	go func() {
		_ = queue.Consume(ctx, 2, func(_ context.Context, id string) error {
			mu.Lock()
			defer mu.Unlock()
			seen[id] = true
			if len(seen) == 3 {
				close(done)
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs were not consumed")
	}

	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Publish(context.Background(), "d"); !xerrors.HasCode(err, xerrors.CodeQueueFailure) {
		t.Fatalf("publish after close should fail, got %v", err)
	}
}

type fakeRedisList struct {
	mu      sync.Mutex
	items   []string
	pushed  []string
	pushErr error
	closed  bool
}

func (f *fakeRedisList) LPush(_ context.Context, _ string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return redis.NewIntResult(0, f.pushErr)
	}
	for _, v := range values {
		f.items = append([]string{v.(string)}, f.items...)
	}
	return redis.NewIntResult(int64(len(f.items)), nil)
}

func (f *fakeRedisList) RPush(_ context.Context, _ string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.pushed = append(f.pushed, v.(string))
	}
	return redis.NewIntResult(int64(len(f.pushed)), nil)
}

func (f *fakeRedisList) BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	f.mu.Lock()
	if n := len(f.items); n > 0 {
		item := f.items[n-1]
		f.items = f.items[:n-1]
		f.mu.Unlock()
		return redis.NewStringSliceResult([]string{keys[0], item}, nil)
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return redis.NewStringSliceResult(nil, ctx.Err())
	case <-time.After(timeout):
		return redis.NewStringSliceResult(nil, redis.Nil)
	}
}

func (f *fakeRedisList) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRedisQueueRequeuesFailedJobs(t *testing.T) {
	client := &fakeRedisList{}
	queue := newRedisQueue(client, "", 10*time.Millisecond)
	if queue.queue != "openmee:jobs" {
		t.Fatalf("unexpected default queue %q", queue.queue)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range []string{"first", "second"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var (
		mu    sync.Mutex
		order []string
	)
	errCh := make(chan error, 1)
	go func() {
		errCh <- queue.Consume(ctx, 1, func(_ context.Context, id string) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			if id == "second" {
				return errors.New("boom")
			}
			return nil
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		client.mu.Lock()
		requeued := len(client.pushed)
		client.mu.Unlock()
		if requeued > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failed job was not pushed back")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected consume error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("jobs must be consumed in publish order, got %v", order)
	}
	client.mu.Lock()
	pushed := append([]string(nil), client.pushed...)
	client.mu.Unlock()
	if len(pushed) != 1 || pushed[0] != "second" {
		t.Fatalf("failed job should be pushed back, got %v", pushed)
	}

	if err := queue.Close(); err != nil || !client.closed {
		t.Fatalf("close: %v", err)
	}
}

func TestRedisQueuePublishFailure(t *testing.T) {
	queue := newRedisQueue(&fakeRedisList{pushErr: errors.New("READONLY")}, "jobs", time.Second)
	if err := queue.Publish(context.Background(), "x"); !xerrors.HasCode(err, xerrors.CodeQueueFailure) {
		t.Fatalf("expected queue failure, got %v", err)
	}
}

type fakeAcker struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.nacked = append(a.nacked, tag)
	}
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeChannel struct {
	mu         sync.Mutex
	published  []amqp.Publishing
	deliveries chan amqp.Delivery
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) Close() error { return nil }

func TestRabbitMQQueueAcksAndRequeues(t *testing.T) {
	acker := &fakeAcker{}
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 2)}
	queue := &RabbitMQQueue{ch: ch, queue: "openmee.jobs"}

	if err := queue.Publish(context.Background(), "job-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(ch.published) != 1 || string(ch.published[0].Body) != "job-1" || ch.published[0].DeliveryMode != amqp.Persistent {
		t.Fatalf("unexpected publishing %+v", ch.published)
	}

	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte("ok")}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte("bad")}

	ctx, cancel := context.WithCancel(context.Background())
	var handled sync.WaitGroup
	handled.Add(2)
	errCh := make(chan error, 1)
	go func() {
		errCh <- queue.Consume(ctx, 1, func(_ context.Context, id string) error {
			defer handled.Done()
			if id == "bad" {
				return errors.New("boom")
			}
			return nil
		})
	}()
	handled.Wait()
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected consume error %v", err)
	}

	acker.mu.Lock()
	defer acker.mu.Unlock()
	if len(acker.acked) != 1 || acker.acked[0] != 1 {
		t.Fatalf("expected delivery 1 acked, got %v", acker.acked)
	}
	if len(acker.nacked) != 1 || acker.nacked[0] != 2 {
		t.Fatalf("expected delivery 2 requeued, got %v", acker.nacked)
	}
}
