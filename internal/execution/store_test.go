package execution

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenMEE-Chain/internal/errors"
)

type fakeKV struct {
	data map[string]string
	ttl  map[string]time.Duration
}

func (f *fakeKV) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeKV) SetNX(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = string(value.([]byte))
	f.ttl[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeKV) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.data[key] = string(value.([]byte))
	f.ttl[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestMemoryReceiptStoreKeepsFirstTerminal(t *testing.T) {
	s := NewMemoryReceiptStore()
	ctx := context.Background()
	if err := s.Put(ctx, Receipt{Handle: "h", Status: StatusPending}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected non-terminal receipts to be rejected, got %v", err)
	}
	_ = s.Put(ctx, Receipt{Handle: "h", Status: StatusMinedSuccess, Confirmations: 2})
	_ = s.Put(ctx, Receipt{Handle: "h", Status: StatusDropped})
	r, ok, err := s.Get(ctx, "h")
	if err != nil || !ok || r.Status != StatusMinedSuccess {
		t.Fatalf("unexpected receipt %+v ok=%v err=%v", r, ok, err)
	}
}

func TestRedisReceiptStoreRoundTrip(t *testing.T) {
	kv := &fakeKV{data: map[string]string{}, ttl: map[string]time.Duration{}}
	s := newRedisReceiptStore(kv, "", 0)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "0xabc"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	want := Receipt{Handle: "0xabc", Status: StatusMinedFailure, Confirmations: 1, Required: 2, Reason: "reverted", ObservedAt: time.Unix(1700000000, 0).UTC()}
	if err := s.Put(ctx, want); err != nil {
		t.Fatalf("put: %v", err)
	}
	if kv.ttl["openmee:receipt:0xabc"] != 7*24*time.Hour {
		t.Fatalf("unexpected ttl %v", kv.ttl)
	}
	got, ok, err := s.Get(ctx, "0xabc")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestRedisReceiptStoreCorruptValue(t *testing.T) {
	kv := &fakeKV{data: map[string]string{"openmee:receipt:x": "{"}, ttl: map[string]time.Duration{}}
	s := newRedisReceiptStore(kv, "", 0)
	if _, _, err := s.Get(context.Background(), "x"); !xerrors.HasCode(err, xerrors.CodeStorageFailure) {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestReceiptStoresKeepDeeperSuccess(t *testing.T) {
	kv := &fakeKV{data: map[string]string{}, ttl: map[string]time.Duration{}}
	stores := map[string]ReceiptStore{
		"memory": NewMemoryReceiptStore(),
		"redis":  newRedisReceiptStore(kv, "", 0),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = s.Put(ctx, Receipt{Handle: "d", Status: StatusMinedSuccess, Confirmations: 1, Required: 1})
			_ = s.Put(ctx, Receipt{Handle: "d", Status: StatusMinedSuccess, Confirmations: 5, Required: 5})
			_ = s.Put(ctx, Receipt{Handle: "d", Status: StatusMinedSuccess, Confirmations: 3, Required: 3})
			r, ok, err := s.Get(ctx, "d")
			if err != nil || !ok || r.Confirmations != 5 {
				t.Fatalf("expected the 5-confirmation receipt, got %+v ok=%v err=%v", r, ok, err)
			}

			_ = s.Put(ctx, Receipt{Handle: "f", Status: StatusMinedFailure, Reason: "reverted"})
			_ = s.Put(ctx, Receipt{Handle: "f", Status: StatusMinedSuccess, Confirmations: 9})
			r, _, _ = s.Get(ctx, "f")
			if r.Status != StatusMinedFailure {
				t.Fatalf("failure must not be replaced, got %+v", r)
			}
		})
	}
}
