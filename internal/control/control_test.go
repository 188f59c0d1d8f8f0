package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/agentsync/internal/engine"
	"github.com/xela07ax/agentsync/internal/infra"
	"github.com/xela07ax/agentsync/internal/repository/sqlrepo"
)

const cred = "DV_grpc"

type fixture struct {
	eng  *engine.Engine
	srv  *grpc.Server
	conn *grpc.ClientConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlrepo.Open(context.Background(), sqlrepo.DriverSQLite, ":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := infra.NewManualClock(time.Date(2026, 4, 10, 9, 30, 0, 0, time.UTC))
	eng := engine.New(engine.Deps{Store: store, Clock: clock}, engine.Options{ServiceCredential: cred})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryAuthInterceptor(eng.Auth, zap.NewNop())))
	RegisterControlServer(srv, NewServer(eng, zap.NewNop()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = eng.Agents.Register(context.Background(), 42, "worker")
	require.NoError(t, err)
	return &fixture{eng: eng, srv: srv, conn: conn}
}

func authed() context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "api-key", cred)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestInterceptorRejectsBadKey(t *testing.T) {
	f := newFixture(t)
	client := NewControlClient(f.conn)
	req := mustStruct(t, map[string]any{"user_id": 42})

	_, err := client.CheckCommands(context.Background(), req)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.AppendToOutgoingContext(context.Background(), "api-key", "nope")
	_, err = client.CheckCommands(ctx, req)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = client.CheckCommands(authed(), req)
	assert.NoError(t, err)
}

func TestSendCommandAndCheck(t *testing.T) {
	f := newFixture(t)
	client := NewControlClient(f.conn)

	resp, err := client.CheckCommands(authed(), mustStruct(t, map[string]any{"user_id": "42"}))
	require.NoError(t, err)
	assert.Equal(t, false, resp.AsMap()["has_commands"])

	resp, err = client.SendCommand(authed(), mustStruct(t, map[string]any{
		"user_id": 42,
		"command": "sale_skin",
		"params":  map[string]any{"salePrice": 20},
	}))
	require.NoError(t, err)
	assert.NotZero(t, resp.AsMap()["command_id"])

	resp, err = client.CheckCommands(authed(), mustStruct(t, map[string]any{"user_id": 42}))
	require.NoError(t, err)
	assert.Equal(t, true, resp.AsMap()["has_commands"])

	pending, err := f.eng.Commands.ListPending(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "sale_skin", pending[0].Type)

	_, err = client.SendCommand(authed(), mustStruct(t, map[string]any{"user_id": 42, "command": " "}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.SendCommand(authed(), mustStruct(t, map[string]any{"command": "sale_skin"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.CheckCommands(authed(), mustStruct(t, map[string]any{"user_id": 4.5}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = client.SendCommand(authed(), mustStruct(t, map[string]any{"user_id": 0, "command": "sale_skin"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = client.SetPause(authed(), mustStruct(t, map[string]any{"user_id": "0"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStopAndPause(t *testing.T) {
	f := newFixture(t)
	client := NewControlClient(f.conn)
	ctx := context.Background()
	_, err := f.eng.Status.SetRunning(ctx, 42, true, false)
	require.NoError(t, err)

	resp, err := client.SetPause(authed(), mustStruct(t, map[string]any{"user_id": 42, "seconds": 60}))
	require.NoError(t, err)
	assert.Equal(t, true, resp.AsMap()["is_paused"])

	check, err := f.eng.Status.CheckCommands(ctx, 42)
	require.NoError(t, err)
	assert.True(t, check.IsPaused)
	require.NotNil(t, check.PauseUntil)

	resp, err = client.SetPause(authed(), mustStruct(t, map[string]any{"user_id": 42, "seconds": 0}))
	require.NoError(t, err)
	assert.Equal(t, false, resp.AsMap()["is_paused"])

	_, err = client.SetPause(authed(), mustStruct(t, map[string]any{"user_id": 42, "seconds": -1}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	resp, err = client.SendCommand(authed(), mustStruct(t, map[string]any{"user_id": 42, "command": "stop"}))
	require.NoError(t, err)
	assert.Equal(t, true, resp.AsMap()["stopped"])

	st, err := f.eng.Status.Get(ctx, 42)
	require.NoError(t, err)
	assert.False(t, st.IsRunning)

	pending, err := f.eng.Commands.ListPending(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStatusClientFallsBackToLastValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.Status.SetRunning(ctx, 42, true, false)
	require.NoError(t, err)

	sc := NewStatusClient(f.conn, cred, 300*time.Millisecond, zap.NewNop())

	_, _, err = sc.Check(ctx, 7)
	require.NoError(t, err)

	check, stale, err := sc.Check(ctx, 42)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.True(t, check.IsRunning)

	f.srv.Stop()

	check, stale, err = sc.Check(ctx, 42)
	require.NoError(t, err)
	assert.True(t, stale)
	assert.True(t, check.IsRunning)

	// для агента без прошлого значения ошибка уходит наружу
	_, _, err = sc.Check(ctx, 99)
	assert.Error(t, err)
}

func TestStatusClientDefaultTimeout(t *testing.T) {
	sc := NewStatusClient(nil, cred, 0, zap.NewNop())
	assert.Equal(t, DefaultClientTimeout, sc.timeout)
}
