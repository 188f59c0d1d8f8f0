package sqlrepo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agentsync/internal/domain"
)

var t0 = time.Date(2026, 4, 10, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, ":memory:", 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strp(s string) *string { return &s }

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(nil, "mysql", 1)
	assert.Error(t, err)
}

func TestEnsureAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.EnsureAgent(ctx, 42, strp("neo"), t0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), a.ID)
	assert.Equal(t, "neo", a.Label)
	assert.WithinDuration(t, t0, a.LastSeen, time.Millisecond)

	// nil метка не затирает существующую
	a, err = s.EnsureAgent(ctx, 42, nil, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "neo", a.Label)
	assert.WithinDuration(t, t0.Add(time.Minute), a.LastSeen, time.Millisecond)
	assert.WithinDuration(t, t0, a.CreatedAt, time.Millisecond)

	snap, err := s.LoadSettings(ctx, 42, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, domain.DefaultSettings(), snap.Params)

	_, err = s.GetAgent(ctx, 7)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTokenLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok, err := s.CreateToken(ctx, "DV_AAAA0001", 1, t0)
	require.NoError(t, err)
	assert.False(t, tok.Bound())

	_, err = s.CreateToken(ctx, "DV_AAAA0001", 1, t0)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = s.TokenForAgent(ctx, 42)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	bound, err := s.BindToken(ctx, "DV_AAAA0001", 42, t0)
	require.NoError(t, err)
	require.NotNil(t, bound.BoundAgentID)
	assert.Equal(t, int64(42), *bound.BoundAgentID)
	require.NotNil(t, bound.BoundAt)

	// повторная привязка к тому же агенту — no-op
	_, err = s.BindToken(ctx, "DV_AAAA0001", 42, t0)
	require.NoError(t, err)

	// токен уже занят
	_, err = s.BindToken(ctx, "DV_AAAA0001", 43, t0)
	assert.ErrorIs(t, err, domain.ErrConflict)

	// у агента уже есть токен
	_, err = s.CreateToken(ctx, "DV_AAAA0002", 1, t0)
	require.NoError(t, err)
	_, err = s.BindToken(ctx, "DV_AAAA0002", 42, t0)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = s.BindToken(ctx, "DV_MISSING", 42, t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	byAgent, err := s.TokenForAgent(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, byAgent.ID)

	frozen, err := s.SetTokenFrozen(ctx, tok.ID, true)
	require.NoError(t, err)
	assert.True(t, frozen.Frozen)
	assert.Equal(t, int64(42), *frozen.BoundAgentID, "freeze keeps binding")

	_, err = s.SetTokenFrozen(ctx, 999, true)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	prev, err := s.UnbindToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), *prev.BoundAgentID)
	after, err := s.TokenByID(ctx, tok.ID)
	require.NoError(t, err)
	assert.False(t, after.Bound())

	// замороженный токен привязать нельзя
	_, err = s.BindToken(ctx, "DV_AAAA0001", 42, t0)
	assert.ErrorIs(t, err, domain.ErrInvalidAgentToken)

	// после отвязки агент может получить другой токен
	_, err = s.BindToken(ctx, "DV_AAAA0002", 42, t0)
	require.NoError(t, err)

	list, err := s.ListTokens(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "DV_AAAA0002", list[0].Value, "newest first")

	del, err := s.DeleteToken(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "DV_AAAA0002", del.Value)
	_, err = s.DeleteToken(ctx, list[0].ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSettingsVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap, err := s.LoadSettings(ctx, 5, t0)
	require.NoError(t, err)
	require.Equal(t, int64(1), snap.Version)

	m := domain.ConfigMap{"dbclickS": domain.Int(700), "percust": domain.Float(12.5), "defM": domain.Bool(false)}
	v, err := s.SaveSettings(ctx, 5, m, nil, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	snap, err = s.LoadSettings(ctx, 5, t0)
	require.NoError(t, err)
	assert.Equal(t, m, snap.Params)
	assert.Equal(t, int64(2), snap.Version)

	stale := int64(1)
	_, err = s.SaveSettings(ctx, 5, m, &stale, t0)
	assert.ErrorIs(t, err, domain.ErrConflict)

	current := int64(2)
	v, err = s.SaveSettings(ctx, 5, m, &current, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	// сохранение без строки: дефолт с версией 1, затем +1
	v, err = s.SaveSettings(ctx, 6, m, nil, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestCoordinatesBumpVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.SaveCoordinate(ctx, 9, "paste", 100, 200, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = s.SaveCoordinate(ctx, 9, "paste", 101, 201, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	coords, err := s.LoadCoordinates(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, map[string][2]int{"paste": {101, 201}}, coords)

	removed, v, err := s.DeleteCoordinate(ctx, 9, "paste", t0)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, int64(4), v)

	removed, v, err = s.DeleteCoordinate(ctx, 9, "paste", t0)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, int64(5), v)
}

func TestCommandQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.InsertCommand(ctx, 42, "saleskin", map[string]any{"salePrice": 10}, t0)
	require.NoError(t, err)
	id2, err := s.InsertCommand(ctx, 42, "saleskin", map[string]any{"salePrice": 20}, t0)
	require.NoError(t, err)
	id3, err := s.InsertCommand(ctx, 42, "restskin", nil, t0.Add(time.Second))
	require.NoError(t, err)
	_, err = s.InsertCommand(ctx, 43, "restskin", nil, t0)
	require.NoError(t, err)

	pending, err := s.PendingCommands(ctx, 42)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []int64{id1, id2, id3}, []int64{pending[0].ID, pending[1].ID, pending[2].ID})
	assert.Equal(t, float64(20), pending[1].Params["salePrice"])
	assert.Nil(t, pending[2].Params)

	changed, err := s.CompleteCommand(ctx, id1, strp("done"), t0)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.CompleteCommand(ctx, id1, strp("again"), t0)
	require.NoError(t, err)
	assert.False(t, changed)

	c, err := s.CommandByID(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandCompleted, c.Status)
	assert.Equal(t, "done", *c.Result, "first result wins")
	require.NotNil(t, c.CompletedAt)

	_, err = s.CompleteCommand(ctx, 999, nil, t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	n, err := s.CompleteCommandsByType(ctx, 42, "saleskin", t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err = s.PendingCommands(ctx, 42)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id3, pending[0].ID)

	purged, err := s.PurgeCommands(ctx, t0.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(3), purged)

	pending, err = s.PendingCommands(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.GetStatus(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOffline, st.State(t0))

	st, err = s.Heartbeat(ctx, 42, true, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, st.State(t0))

	until := t0.Add(time.Hour)
	_, err = s.SetPause(ctx, 42, &until)
	require.NoError(t, err)

	// heartbeat не снимает действующую паузу
	st, err = s.Heartbeat(ctx, 42, true, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaused, st.State(t0.Add(time.Minute)))

	// ...но снимает истекшую
	st, err = s.Heartbeat(ctx, 42, true, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, st.IsPaused)
	assert.Nil(t, st.PauseUntil)

	st, err = s.GetStatus(ctx, 42)
	require.NoError(t, err)
	assert.True(t, st.IsRunning)
	require.NotNil(t, st.LastHeartbeat)
	assert.WithinDuration(t, t0.Add(2*time.Hour), *st.LastHeartbeat, time.Millisecond)

	_, err = s.SetPause(ctx, 42, &until)
	require.NoError(t, err)
	st, err = s.SetRunning(ctx, 42, false, false, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOffline, st.State(t0))
	assert.Nil(t, st.PauseUntil)

	st, err = s.TouchHeartbeat(ctx, 42, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, st.IsRunning)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureAgent(ctx, 1, strp("admin"), t0)
	require.NoError(t, err)
	_, err = s.EnsureAgent(ctx, 2, strp("user"), t0)
	require.NoError(t, err)
	_, err = s.CreateToken(ctx, "DV_00000001", 1, t0)
	require.NoError(t, err)
	tok, err := s.CreateToken(ctx, "DV_00000002", 1, t0)
	require.NoError(t, err)
	_, err = s.BindToken(ctx, "DV_00000001", 2, t0)
	require.NoError(t, err)
	_, err = s.SetTokenFrozen(ctx, tok.ID, true)
	require.NoError(t, err)
	_, err = s.Heartbeat(ctx, 2, true, t0)
	require.NoError(t, err)
	_, err = s.InsertCommand(ctx, 2, "restskin", nil, t0)
	require.NoError(t, err)

	st, err := s.Stats(ctx, []int64{1, 777}, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.Stats{
		Agents:           2,
		PrivilegedAgents: 1,
		Tokens:           2,
		BoundTokens:      1,
		FrozenTokens:     1,
		FreeTokens:       0,
		Running:          1,
		Paused:           0,
		PendingCommands:  1,
	}, st)
}
