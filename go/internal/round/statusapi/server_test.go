package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"connectrpc.com/connect"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/roundsync/go/internal/round/ctrl"
	"github.com/mcdev12/roundsync/go/internal/round/game"
	"github.com/mcdev12/roundsync/go/internal/round/protocol"
	"github.com/mcdev12/roundsync/go/internal/round/scheduler"
	"github.com/mcdev12/roundsync/go/internal/round/snapshot"
)

type fakeSocket struct {
	sent []string
}

func (f *fakeSocket) Send(typ string, _ any, _ protocol.SendOpts) error {
	f.sent = append(f.sent, typ)
	return nil
}
func (f *fakeSocket) MoreTime()            {}
func (f *fakeSocket) Berserk()             {}
func (f *fakeSocket) OutOfTime(game.Color) {}
func (f *fakeSocket) RequestResync()       {}

// syncRound runs every call inline on a real controller.
type syncRound struct {
	c *ctrl.Controller
}

func (r *syncRound) Do(_ context.Context, fn func(*ctrl.Controller) error) error {
	return fn(r.c)
}

func (r *syncRound) Snapshot(context.Context) (game.Data, error) {
	return r.c.Snapshot(), nil
}

// myTurn is a live game where the local sente player is to move at ply 2.
func myTurn() *game.Data {
	return &game.Data{
		Game: game.Game{
			ID:     "g1",
			Turns:  2,
			Player: game.Sente,
			Status: game.Status{ID: game.StatusStarted, Name: "started"},
		},
		Player:   game.Player{Color: game.Sente, OnGame: true, Version: 5},
		Opponent: game.Player{Color: game.Gote, OnGame: true},
		Steps: []game.Step{
			{Ply: 0, Position: "sfen-0"},
			{Ply: 1, Position: "sfen-1", Move: "7g7f"},
			{Ply: 2, Position: "sfen-2", Move: "3c3d"},
		},
		Clock: &game.ClockData{Running: true, Initial: 600, Sente: 600, Gote: 590},
	}
}

func newTestServer(t *testing.T, d *game.Data) (*httptest.Server, *fakeSocket) {
	t.Helper()
	return newProbedServer(t, d, nil)
}

func newProbedServer(t *testing.T, d *game.Data, probes map[string]Probe) (*httptest.Server, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	c := ctrl.New(ctrl.DefaultConfig(), d, ctrl.Deps{
		Socket: sock,
		Sched:  scheduler.New(clockwork.NewFakeClock()),
	})
	srv := httptest.NewServer(NewHandler(DefaultConfig(), &syncRound{c: c}, probes))
	t.Cleanup(srv.Close)
	return srv, sock
}

func postCommand(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := srv.Client().Post(srv.URL+"/api/round/command", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getHealth(t *testing.T, srv *httptest.Server) (int, HealthStatus) {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return resp.StatusCode, status
}

func TestHealth(t *testing.T) {
	srv, _ := newProbedServer(t, myTurn(), map[string]Probe{
		"link": func(context.Context) error { return nil },
	})

	code, status := getHealth(t, srv)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, status.Healthy)
	assert.Equal(t, map[string]string{"session": "ok", "link": "ok"}, status.Checks)
}

func TestHealthFailingProbe(t *testing.T) {
	srv, _ := newProbedServer(t, myTurn(), map[string]Probe{
		"link":    func(context.Context) error { return nil },
		"journal": func(context.Context) error { return errors.New("nats disconnected") },
	})

	code, status := getHealth(t, srv)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, status.Healthy)
	assert.Equal(t, "nats disconnected", status.Checks["journal"])
	assert.Equal(t, "ok", status.Checks["link"])
}

func TestState(t *testing.T) {
	srv, _ := newTestServer(t, myTurn())

	resp, err := srv.Client().Get(srv.URL + "/api/round/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state StateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, "g1", state.GameID)
	assert.Equal(t, 2, state.Ply)
	assert.Equal(t, 5, state.Version)
	assert.Equal(t, "idle", state.Phase)
	assert.Equal(t, "none", state.Offers["draw"])
	require.NotNil(t, state.Clock)
	assert.Equal(t, int64(590000), state.Clock.GoteMillis)
}

func TestCommandMove(t *testing.T) {
	srv, sock := newTestServer(t, myTurn())

	resp := postCommand(t, srv, `{"action":"move","usi":"2g2f"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{protocol.OutMove}, sock.sent)

	// A second move while the first is unconfirmed conflicts.
	resp = postCommand(t, srv, `{"action":"move","usi":"P*5e"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCommandRejected(t *testing.T) {
	d := myTurn()
	d.Game.Player = game.Gote
	d.Game.Turns = 1
	d.Steps = d.Steps[:2]
	srv, sock := newTestServer(t, d)

	assert.Equal(t, http.StatusConflict, postCommand(t, srv, `{"action":"move","usi":"2g2f"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, postCommand(t, srv, `{"action":"castle"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, postCommand(t, srv, `{"action":"move","usi":"zz"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, postCommand(t, srv, `not json`).StatusCode)
	assert.Empty(t, sock.sent)
}

func TestCommandResign(t *testing.T) {
	srv, sock := newTestServer(t, myTurn())

	assert.Equal(t, http.StatusNoContent, postCommand(t, srv, `{"action":"resign"}`).StatusCode)
	assert.Equal(t, []string{protocol.OutResign}, sock.sent)
}

func TestConnectSnapshot(t *testing.T) {
	srv, _ := newTestServer(t, myTurn())

	d, err := snapshot.NewConnectProvider(srv.Client(), srv.URL, "g1", game.Sente).FetchSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, d.Player.Version)
	assert.Len(t, d.Steps, 3)

	_, err = snapshot.NewConnectProvider(srv.Client(), srv.URL, "other", game.Sente).FetchSnapshot(context.Background())
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, myTurn())

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/round/command", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
