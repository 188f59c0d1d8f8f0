package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/domain"
	"github.com/xela07ax/agentsync/internal/infra"
)

type memSink struct {
	mu      sync.Mutex
	batches [][]domain.OutboundMessage
}

func (s *memSink) WriteBatch(_ context.Context, msgs []domain.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]domain.OutboundMessage(nil), msgs...))
	return nil
}

func (s *memSink) all() []domain.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboundMessage
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

// flakySink падает первые failures раз.
type flakySink struct {
	failures int32
	calls    atomic.Int32
}

func (s *flakySink) WriteBatch(context.Context, []domain.OutboundMessage) error {
	if s.calls.Add(1) <= s.failures {
		return errors.New("sink unavailable")
	}
	return nil
}

func msg(id int64, text string) domain.OutboundMessage {
	return domain.OutboundMessage{AgentID: id, Kind: domain.MsgNotify, Text: text}
}

func TestStopDrainsBuffer(t *testing.T) {
	sink := &memSink{}
	o := New(sink, Options{BatchSize: 2, FlushInterval: time.Hour}, nil, zap.NewNop())
	o.Start()

	for i := range 5 {
		require.NoError(t, o.Publish(msg(int64(i), "hello")))
	}
	o.Stop()

	got := sink.all()
	require.Len(t, got, 5)
	for i, m := range got {
		assert.Equal(t, int64(i), m.AgentID, "order is preserved")
		assert.False(t, m.CreatedAt.IsZero())
	}

	assert.ErrorIs(t, o.Publish(msg(1, "late")), ErrClosed)
	o.Stop()
}

func TestPublishNeverBlocks(t *testing.T) {
	fill := prometheus.NewGauge(prometheus.GaugeOpts{Name: "fill"})
	o := New(&memSink{}, Options{BufferSize: 2}, fill, zap.NewNop())

	require.NoError(t, o.Publish(msg(1, "a")))
	require.NoError(t, o.Publish(msg(1, "b")))
	assert.ErrorIs(t, o.Publish(msg(1, "c")), ErrQueueFull)
	assert.Equal(t, 2.0, testutil.ToFloat64(fill))
	assert.Equal(t, 2, o.Len())
}

func TestFlushOnTicker(t *testing.T) {
	sink := &memSink{}
	o := New(sink, Options{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, nil, zap.NewNop())
	o.Start()
	defer o.Stop()

	require.NoError(t, o.Publish(msg(1, "tick")))
	assert.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestReliableRetries(t *testing.T) {
	sink := &flakySink{failures: 2}
	r := NewReliable(sink, ReliableOptions{Rate: 1000, Burst: 10, Attempts: 3, CallTimeout: time.Second}, nil, zap.NewNop())

	require.NoError(t, r.WriteBatch(context.Background(), []domain.OutboundMessage{msg(1, "x")}))
	assert.Equal(t, int32(3), sink.calls.Load())
}

func TestReliableBreakerOpens(t *testing.T) {
	sink := &flakySink{failures: 1 << 30}
	state := prometheus.NewGauge(prometheus.GaugeOpts{Name: "breaker"})
	r := NewReliable(sink, ReliableOptions{Rate: 1000, Burst: 100, Attempts: 1, CBTimeout: time.Hour}, state, zap.NewNop())

	batch := []domain.OutboundMessage{msg(1, "x")}
	for range 6 {
		assert.Error(t, r.WriteBatch(context.Background(), batch))
	}
	err := r.WriteBatch(context.Background(), batch)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, gobreaker.StateOpen, r.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(state))
	assert.Equal(t, int32(6), sink.calls.Load())
}

func TestRedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	sink := NewRedisSink(rdb, false)
	require.NoError(t, sink.WriteBatch(ctx, []domain.OutboundMessage{msg(1, "first"), msg(2, "second")}))

	items, err := rdb.LRange(ctx, infra.RedisKeyOutbox, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, items, 2)
	var m domain.OutboundMessage
	require.NoError(t, json.Unmarshal([]byte(items[0]), &m))
	assert.Equal(t, "first", m.Text)
	assert.Equal(t, int64(1), m.AgentID)

	split := NewRedisSink(rdb, true)
	catch := domain.OutboundMessage{AgentID: 3, Kind: domain.MsgCatch, Text: "loot"}
	require.NoError(t, split.WriteBatch(ctx, []domain.OutboundMessage{catch}))
	n, err := rdb.LLen(ctx, infra.GetOutboxKey("catch")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLogSink(t *testing.T) {
	assert.NoError(t, NewLogSink(zap.NewNop()).WriteBatch(context.Background(), []domain.OutboundMessage{msg(1, "x")}))
}
