package engine

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agentsync/internal/domain"
	"github.com/xela07ax/agentsync/internal/infra"
	"github.com/xela07ax/agentsync/internal/outbox"
	"github.com/xela07ax/agentsync/internal/repository/sqlrepo"
)

const testCredential = "DV_service"

var t0 = time.Date(2026, 4, 10, 9, 30, 0, 0, time.UTC)

// flakyStore умеет притворяться недоступным на чтениях.
type flakyStore struct {
	Store
	down atomic.Bool
}

func (f *flakyStore) fail(op string) error {
	return fmt.Errorf("sqlrepo: %s: %w: connection refused", op, domain.ErrStoreUnavailable)
}

func (f *flakyStore) LoadSettings(ctx context.Context, id int64, now time.Time) (domain.ConfigSnapshot, error) {
	if f.down.Load() {
		return domain.ConfigSnapshot{}, f.fail("load settings")
	}
	return f.Store.LoadSettings(ctx, id, now)
}

func (f *flakyStore) GetStatus(ctx context.Context, id int64) (domain.ScriptStatus, error) {
	if f.down.Load() {
		return domain.ScriptStatus{}, f.fail("get status")
	}
	return f.Store.GetStatus(ctx, id)
}

func (f *flakyStore) PendingCommands(ctx context.Context, id int64) ([]domain.Command, error) {
	if f.down.Load() {
		return nil, f.fail("pending commands")
	}
	return f.Store.PendingCommands(ctx, id)
}

// gatedStore задерживает одно чтение токена, пока тест не отпустит его.
type gatedStore struct {
	Store
	armed   atomic.Bool
	loaded  chan struct{}
	release chan struct{}
}

func newGatedStore(inner Store) *gatedStore {
	return &gatedStore{Store: inner, loaded: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedStore) TokenForAgent(ctx context.Context, agentID int64) (domain.AccessToken, error) {
	tok, err := g.Store.TokenForAgent(ctx, agentID)
	if g.armed.CompareAndSwap(true, false) {
		close(g.loaded)
		<-g.release
	}
	return tok, err
}

// gatedSettings то же для чтения настроек.
type gatedSettings struct {
	Store
	armed   atomic.Bool
	loaded  chan struct{}
	release chan struct{}
}

func (g *gatedSettings) LoadSettings(ctx context.Context, id int64, now time.Time) (domain.ConfigSnapshot, error) {
	snap, err := g.Store.LoadSettings(ctx, id, now)
	if g.armed.CompareAndSwap(true, false) {
		close(g.loaded)
		<-g.release
	}
	return snap, err
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []domain.OutboundMessage
	err  error
	// limit > 0: сообщения сверх limit отклоняются как при полной очереди
	limit int
}

func (p *fakePublisher) Publish(m domain.OutboundMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.limit > 0 && len(p.msgs) >= p.limit {
		return outbox.ErrQueueFull
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *fakePublisher) sent() []domain.OutboundMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.OutboundMessage(nil), p.msgs...)
}

type fixture struct {
	eng   *Engine
	store *flakyStore
	clock *infra.ManualClock
	out   *fakePublisher
}

func newFixture(t *testing.T, admins ...int64) *fixture {
	t.Helper()
	raw, err := sqlrepo.Open(context.Background(), sqlrepo.DriverSQLite, ":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	f := &fixture{
		store: &flakyStore{Store: raw},
		clock: infra.NewManualClock(t0),
		out:   &fakePublisher{},
	}
	f.eng = New(Deps{Store: f.store, Clock: f.clock, Publisher: f.out}, Options{
		ServiceCredential: testCredential,
		AdminIDs:          admins,
	})
	return f
}

// activate выдает агенту новый токен.
func (f *fixture) activate(t *testing.T, agentID int64) string {
	t.Helper()
	tok, err := f.eng.Tokens.Create(context.Background(), 1)
	require.NoError(t, err)
	_, err = f.eng.Tokens.Bind(context.Background(), tok.Value, agentID)
	require.NoError(t, err)
	return tok.Value
}

func TestValidateScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.Auth.Authenticate(ctx, "wrong", 7, "DV_00000000")
	assert.ErrorIs(t, err, domain.ErrInvalidServiceCredential)

	// неактивированный агент: 401, отрицательный ответ кэшируется
	_, err = f.eng.Auth.Authenticate(ctx, testCredential, 7, "DV_00000000")
	assert.ErrorIs(t, err, domain.ErrInvalidAgentToken)

	tok, err := f.eng.Tokens.Create(ctx, 1)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^DV_[0-9A-F]{8}$`), tok.Value)

	_, err = f.eng.Tokens.Bind(ctx, tok.Value, 7)
	require.NoError(t, err)

	agent, err := f.eng.Auth.Authenticate(ctx, testCredential, 7, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, int64(7), agent.ID)
	assert.False(t, agent.Privileged)

	// чужой агент с тем же токеном
	_, err = f.eng.Auth.Authenticate(ctx, testCredential, 8, tok.Value)
	assert.ErrorIs(t, err, domain.ErrInvalidAgentToken)

	// заморозка действует со следующего опроса, без ожидания TTL
	_, err = f.eng.Tokens.Freeze(ctx, tok.ID)
	require.NoError(t, err)
	_, err = f.eng.Auth.Authenticate(ctx, testCredential, 7, tok.Value)
	assert.ErrorIs(t, err, domain.ErrInvalidAgentToken)

	_, err = f.eng.Tokens.Unfreeze(ctx, tok.ID)
	require.NoError(t, err)
	_, err = f.eng.Auth.AuthenticateAgent(ctx, 7, tok.Value)
	require.NoError(t, err)

	_, err = f.eng.Tokens.Unbind(ctx, tok.ID)
	require.NoError(t, err)
	_, err = f.eng.Auth.AuthenticateAgent(ctx, 7, tok.Value)
	assert.ErrorIs(t, err, domain.ErrInvalidAgentToken)
}

func TestFreezeWinsOverInflightPoll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok, err := f.eng.Tokens.Create(ctx, 1)
	require.NoError(t, err)
	_, err = f.eng.Tokens.Bind(ctx, tok.Value, 7)
	require.NoError(t, err)

	gate := newGatedStore(f.store)
	eng := New(Deps{Store: gate, Clock: f.clock}, Options{ServiceCredential: testCredential})
	gate.armed.Store(true)

	done := make(chan error, 1)
	go func() {
		_, err := eng.Auth.Authenticate(ctx, testCredential, 7, tok.Value)
		done <- err
	}()

	// опрос уже прочитал незамороженный токен
	<-gate.loaded
	_, err = eng.Tokens.Freeze(ctx, tok.ID)
	require.NoError(t, err)
	close(gate.release)
	require.NoError(t, <-done, "poll that read before freeze still passes")

	_, err = eng.Auth.Authenticate(ctx, testCredential, 7, tok.Value)
	assert.ErrorIs(t, err, domain.ErrInvalidAgentToken, "next poll after freeze must be rejected")
}

func TestSavedConfigWinsOverInflightRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gate := &gatedSettings{Store: f.store, loaded: make(chan struct{}), release: make(chan struct{})}
	eng := New(Deps{Store: gate, Clock: f.clock}, Options{ServiceCredential: testCredential})
	gate.armed.Store(true)

	done := make(chan error, 1)
	go func() {
		_, err := eng.Config.GetConfig(ctx, 7)
		done <- err
	}()

	<-gate.loaded
	version, err := eng.Config.SaveConfig(ctx, 7, domain.DefaultSettings())
	require.NoError(t, err)
	close(gate.release)
	require.NoError(t, <-done)

	got, err := eng.Config.GetConfigVersion(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, version, got, "saved version is visible without waiting for ttl")
}

func TestBindRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.activate(t, 7)
	_, err := f.eng.Tokens.Bind(ctx, first, 7)
	assert.NoError(t, err, "rebinding to the same agent is a no-op")
	_, err = f.eng.Tokens.Bind(ctx, first, 8)
	assert.ErrorIs(t, err, domain.ErrConflict)

	second, err := f.eng.Tokens.Create(ctx, 1)
	require.NoError(t, err)
	_, err = f.eng.Tokens.Bind(ctx, second.Value, 7)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.eng.Tokens.Freeze(ctx, second.ID)
	require.NoError(t, err)
	_, err = f.eng.Tokens.Bind(ctx, second.Value, 9)
	assert.ErrorIs(t, err, domain.ErrInvalidAgentToken)

	_, err = f.eng.Tokens.Bind(ctx, "DV_FFFFFFFF", 9)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.eng.Tokens.Freeze(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := f.eng.Tokens.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = f.eng.Tokens.Delete(ctx, second.ID)
	require.NoError(t, err)
	list, err = f.eng.Tokens.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1, "delete invalidates token pages")

	tok, err := f.eng.Tokens.ForAgent(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, first, tok.Value)
}

func TestConfigRoundTripAndVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.eng.Config.GetConfig(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, domain.DefaultSettings(), snap.Params)

	// копия: правка снаружи не портит кэш
	snap.Params["dbclickS"] = domain.Int(1)
	again, err := f.eng.Config.GetConfig(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.Int(1000), again.Params["dbclickS"])

	m := domain.DefaultSettings()
	m["dbclickS"] = domain.Int(500)
	m["percust"] = domain.Float(12.5)
	m["custom"] = domain.Bool(true)
	v, err := f.eng.Config.SaveConfig(ctx, 7, m)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	got, err := f.eng.Config.GetConfig(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, m, got.Params)
	assert.Equal(t, int64(2), got.Version)

	bad := domain.DefaultSettings()
	bad["dbclickS"] = domain.Int(0)
	_, err = f.eng.Config.SaveConfig(ctx, 7, bad)
	assert.ErrorIs(t, err, domain.ErrValidation)
	version, err := f.eng.Config.GetConfigVersion(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version, "rejected write does not bump version")

	_, err = f.eng.Config.SaveConfigIfVersion(ctx, 7, m, 1)
	assert.ErrorIs(t, err, domain.ErrConflict)
	v, err = f.eng.Config.SaveConfigIfVersion(ctx, 7, m, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	stale := int64(2)
	_, err = f.eng.Config.UpdateParams(ctx, 7, domain.ConfigMap{"opkeyS": domain.Int(900)}, &stale)
	assert.ErrorIs(t, err, domain.ErrConflict)
	updated, err := f.eng.Config.UpdateParams(ctx, 7, domain.ConfigMap{"opkeyS": domain.Int(900)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), updated.Version)
	assert.Equal(t, domain.Int(900), updated.Params["opkeyS"])
	assert.Equal(t, domain.Int(500), updated.Params["dbclickS"])

	view, err := f.eng.Config.GetRuntimeEditableView(ctx, 7)
	require.NoError(t, err)
	assert.Contains(t, view, "opkeyS")
	assert.NotContains(t, view, "custom")
	assert.NotContains(t, view, "_last_balance")
}

func TestCoordinatesBumpVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.eng.Config.SaveCoordinate(ctx, 7, "paste", 120, 340)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = f.eng.Config.SaveCoordinate(ctx, 7, "nowhere", 1, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.eng.Config.SaveCoordinate(ctx, 7, "paste", 1, 5001)
	assert.ErrorIs(t, err, domain.ErrValidation)

	flat, err := f.eng.Config.FlatConfig(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 120, flat["paste_x"])
	assert.Equal(t, 340, flat["paste_y"])
	assert.Equal(t, 0, flat["inpClose_x"])
	assert.Equal(t, domain.Int(1000), flat["dbclickS"])

	removed, err := f.eng.Config.DeleteCoordinate(ctx, 7, "paste")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = f.eng.Config.DeleteCoordinate(ctx, 7, "paste")
	require.NoError(t, err)
	assert.False(t, removed)

	version, err := f.eng.Config.GetConfigVersion(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(4), version)

	coords, err := f.eng.Config.Coordinates(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, coords, len(domain.CoordinateCatalog))
	for _, c := range coords {
		assert.False(t, c.Set, c.Name)
	}
}

func TestSaleSkinCoalescing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.Commands.Enqueue(ctx, 7, domain.CmdSaleSkin, map[string]any{"salePrice": 10})
	require.NoError(t, err)
	_, err = f.eng.Commands.Enqueue(ctx, 7, domain.CmdSaleSkin, map[string]any{"salePrice": 20})
	require.NoError(t, err)
	_, err = f.eng.Commands.Enqueue(ctx, 7, domain.CmdRestartSkin, nil)
	require.NoError(t, err)

	pending, err := f.eng.Commands.ListPending(ctx, 7)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	out := Coalesce(pending)
	assert.Equal(t, float64(20), out[domain.CmdSaleSkin])
	assert.Equal(t, true, out[domain.CmdRestartSkin])

	_, err = f.eng.Commands.Enqueue(ctx, 7, "  ", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCoalesceDefaultsMissingValues(t *testing.T) {
	out := Coalesce([]domain.Command{
		{Type: domain.CmdSaleSkin},
		{Type: domain.CmdCompCheck, Params: map[string]any{"other": 1}},
	})
	assert.Equal(t, 0, out[domain.CmdSaleSkin])
	assert.Equal(t, 0, out[domain.CmdCompCheck])

	out = Coalesce([]domain.Command{{Type: domain.CmdCompCheck, Params: map[string]any{"compCheckVal": 3.5}}})
	assert.Equal(t, 3.5, out[domain.CmdCompCheck])
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []int64
	for _, typ := range []string{"a", "b", "c"} {
		id, err := f.eng.Commands.Enqueue(ctx, 7, typ, nil)
		require.NoError(t, err)
		ids = append(ids, id)
		f.clock.Advance(time.Millisecond)
	}

	pending, err := f.eng.Commands.ListPending(ctx, 7)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, cmd := range pending {
		assert.Equal(t, ids[i], cmd.ID)
	}

	first := "done"
	changed, err := f.eng.Commands.Complete(ctx, ids[1], &first)
	require.NoError(t, err)
	assert.True(t, changed)

	second := "again"
	changed, err = f.eng.Commands.Complete(ctx, ids[1], &second)
	require.NoError(t, err)
	assert.False(t, changed)

	pending, err = f.eng.Commands.ListPending(ctx, 7)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].ID)
	assert.Equal(t, ids[2], pending[1].ID)

	_, err = f.eng.Commands.Complete(ctx, 999, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.eng.Commands.CompleteForAgent(ctx, 8, ids[0], nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	changed, err = f.eng.Commands.CompleteForAgent(ctx, 7, ids[0], nil)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestPurgeCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.Commands.Enqueue(ctx, 7, "old", nil)
	require.NoError(t, err)
	f.clock.Advance(8 * 24 * time.Hour)
	_, err = f.eng.Commands.Enqueue(ctx, 7, "fresh", nil)
	require.NoError(t, err)

	n, err := f.eng.Commands.Purge(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := f.eng.Commands.ListPending(ctx, 7)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fresh", pending[0].Type)

	_, err = f.eng.Commands.Purge(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPauseSemantics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.eng.Status.State(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOffline, state)

	_, err = f.eng.Status.Heartbeat(ctx, 7, "running")
	require.NoError(t, err)

	st, err := f.eng.Status.SetPause(ctx, 7, 60)
	require.NoError(t, err)
	require.NotNil(t, st.PauseUntil)
	assert.Equal(t, t0.Add(time.Minute), *st.PauseUntil)

	check, err := f.eng.Status.CheckCommands(ctx, 7)
	require.NoError(t, err)
	assert.True(t, check.IsRunning)
	assert.True(t, check.IsPaused)
	assert.False(t, check.HasCommands)

	// heartbeat не снимает действующую паузу
	_, err = f.eng.Status.Heartbeat(ctx, 7, "running")
	require.NoError(t, err)
	state, err = f.eng.Status.State(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaused, state)

	f.clock.Advance(61 * time.Second)
	state, err = f.eng.Status.State(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, state, "expired pause reads as running")

	st, err = f.eng.Status.Heartbeat(ctx, 7, "running")
	require.NoError(t, err)
	assert.False(t, st.IsPaused)
	assert.Nil(t, st.PauseUntil)

	_, err = f.eng.Status.SetPause(ctx, 7, -1)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.eng.Status.SetPause(ctx, 7, 3600)
	require.NoError(t, err)
	st, err = f.eng.Status.SetPause(ctx, 7, 0)
	require.NoError(t, err)
	assert.False(t, st.IsPaused)
	assert.Nil(t, st.PauseUntil)

	_, err = f.eng.Commands.Enqueue(ctx, 7, domain.CmdRestartSkin, nil)
	require.NoError(t, err)
	_, err = f.eng.Status.Stop(ctx, 7)
	require.NoError(t, err)
	check, err = f.eng.Status.CheckCommands(ctx, 7)
	require.NoError(t, err)
	assert.False(t, check.IsRunning)
	assert.True(t, check.HasCommands, "stop leaves the queue intact")
}

func TestHeartbeatKeepsStatsCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.Status.Heartbeat(ctx, 7, "running")
	require.NoError(t, err)
	stats, err := f.eng.Agents.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Running)
	assert.Zero(t, stats.PendingCommands)

	// запись мимо движка видна только после сброса stats
	_, err = f.store.Store.InsertCommand(ctx, 7, domain.CmdRestartSkin, nil, t0)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	_, err = f.eng.Status.Heartbeat(ctx, 7, "running")
	require.NoError(t, err)
	stats, err = f.eng.Agents.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PendingCommands, "heartbeat without state change keeps stats cached")

	_, err = f.eng.Status.Stop(ctx, 7)
	require.NoError(t, err)
	stats, err = f.eng.Agents.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Running)
	assert.Equal(t, int64(1), stats.PendingCommands, "state change resets stats")
}

func TestStatusCacheTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.Status.Get(ctx, 7)
	require.NoError(t, err)

	// запись мимо движка: кэш не знает о ней до истечения TTL
	_, err = f.store.Store.SetRunning(ctx, 7, true, false, t0)
	require.NoError(t, err)

	st, err := f.eng.Status.Get(ctx, 7)
	require.NoError(t, err)
	assert.False(t, st.IsRunning)

	f.clock.Advance(3 * time.Second)
	st, err = f.eng.Status.Get(ctx, 7)
	require.NoError(t, err)
	assert.False(t, st.IsRunning, "entry is still fresh at exactly ttl")

	f.clock.Advance(time.Millisecond)
	st, err = f.eng.Status.Get(ctx, 7)
	require.NoError(t, err)
	assert.True(t, st.IsRunning)
}

func TestStaleFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.Config.SaveConfig(ctx, 7, domain.DefaultSettings())
	require.NoError(t, err)
	_, err = f.eng.Config.GetConfig(ctx, 7)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	f.store.down.Store(true)

	snap, err := f.eng.Config.GetConfig(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)

	_, err = f.eng.Config.GetConfig(ctx, 8)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	_, err = f.eng.Status.CheckCommands(ctx, 8)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestNotifier(t *testing.T) {
	f := newFixture(t, 100, 200)
	ctx := context.Background()

	_, err := f.eng.Config.UpdateParams(ctx, 100, domain.ConfigMap{"admin_receive_loot": domain.Bool(true)}, nil)
	require.NoError(t, err)

	require.NoError(t, f.eng.Notify.Catch(ctx, 7, "seller", "FULL 120.5"))
	sent := f.out.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, domain.MsgCatch, sent[0].Kind)
	assert.Equal(t, int64(7), sent[0].AgentID)
	assert.Equal(t, domain.MsgCatchCopy, sent[1].Kind)
	assert.Equal(t, int64(100), sent[1].AgentID)
	assert.Contains(t, sent[1].Text, "@seller")
	assert.Contains(t, sent[1].Text, "FULL 120.5")

	_, err = f.eng.Commands.Enqueue(ctx, 7, domain.CmdGetDeviceInfo, nil)
	require.NoError(t, err)
	require.NoError(t, f.eng.Notify.DeviceInfo(ctx, 7, "cpu: 4 cores"))
	pending, err := f.eng.Commands.ListPending(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = f.eng.Status.SetRunning(ctx, 7, true, true)
	require.NoError(t, err)
	require.NoError(t, f.eng.Notify.ScriptStopped(ctx, 7, "balance too low"))
	state, err := f.eng.Status.State(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOffline, state)
	last := f.out.sent()[len(f.out.sent())-1]
	assert.Equal(t, domain.MsgScriptStopped, last.Kind)
	assert.Contains(t, last.Text, "balance too low")

	assert.ErrorIs(t, f.eng.Notify.Notify(ctx, 7, domain.MsgNotify, " "), domain.ErrValidation)
}

func TestCatchCopyFailureKeepsOwnerMessage(t *testing.T) {
	f := newFixture(t, 100, 200)
	ctx := context.Background()

	for _, admin := range []int64{100, 200} {
		_, err := f.eng.Config.UpdateParams(ctx, admin, domain.ConfigMap{"admin_receive_loot": domain.Bool(true)}, nil)
		require.NoError(t, err)
	}
	f.out.limit = 1

	require.NoError(t, f.eng.Notify.Catch(ctx, 7, "seller", "FULL 99"), "owner message is queued, copies are best effort")
	sent := f.out.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.MsgCatch, sent[0].Kind)
	assert.Equal(t, int64(7), sent[0].AgentID)

	f.out.limit = 0
	f.out.err = outbox.ErrQueueFull
	assert.ErrorIs(t, f.eng.Notify.Catch(ctx, 7, "seller", "FULL 99"), outbox.ErrQueueFull, "owner failure is still reported")
}

func TestAgentsAndStats(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	agent, err := f.eng.Agents.Register(ctx, 100, "boss")
	require.NoError(t, err)
	assert.True(t, agent.Privileged)
	assert.Equal(t, "boss", agent.Label)

	_, err = f.eng.Agents.Get(ctx, 5)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.activate(t, 7)
	_, err = f.eng.Tokens.Create(ctx, 1)
	require.NoError(t, err)
	_, err = f.eng.Commands.Enqueue(ctx, 7, domain.CmdRestartSkin, nil)
	require.NoError(t, err)

	stats, err := f.eng.Agents.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Agents)
	assert.Equal(t, int64(1), stats.PrivilegedAgents)
	assert.Equal(t, int64(2), stats.Tokens)
	assert.Equal(t, int64(1), stats.BoundTokens)
	assert.Equal(t, int64(1), stats.FreeTokens)
	assert.Equal(t, int64(1), stats.PendingCommands)

	f.eng.Auth.SetPrivileged(nil)
	stats, err = f.eng.Agents.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PrivilegedAgents)
	assert.False(t, f.eng.Auth.IsPrivileged(100))
}
