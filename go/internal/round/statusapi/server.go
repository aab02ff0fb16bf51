// Package statusapi serves a local HTTP view of a running round: health
// probes, state, player commands and the snapshot procedure.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mcdev12/roundsync/go/internal/round/ctrl"
	"github.com/mcdev12/roundsync/go/internal/round/game"
	"github.com/mcdev12/roundsync/go/internal/round/offer"
	"github.com/mcdev12/roundsync/go/internal/round/snapshot"
)

var offerKinds = []offer.Kind{offer.Draw, offer.Takeback, offer.Pause, offer.Resume, offer.Rematch}

// Round is the running session as seen by the API.
type Round interface {
	Do(ctx context.Context, fn func(r *ctrl.Controller) error) error
	Snapshot(ctx context.Context) (game.Data, error)
}

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CallTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:         ":8090",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
		CallTimeout:  2 * time.Second,
	}
}

// Probe reports whether one dependency of the session is usable.
type Probe func(ctx context.Context) error

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks"`
}

// NewServer builds the HTTP/2 cleartext server for round.
func NewServer(cfg Config, round Round, probes map[string]Probe) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      h2c.NewHandler(NewHandler(cfg, round, probes), &http2.Server{}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// NewHandler routes every endpoint behind CORS.
func NewHandler(cfg Config, round Round, probes map[string]Probe) http.Handler {
	h := &handler{round: round, probes: probes, callTimeout: cfg.CallTimeout}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /api/round/state", h.handleState)
	mux.HandleFunc("POST /api/round/command", h.handleCommand)
	mux.Handle(snapshot.Procedure, connect.NewUnaryHandler(snapshot.Procedure, h.getSnapshot))

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

type handler struct {
	round       Round
	probes      map[string]Probe
	callTimeout time.Duration
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.callTimeout)
	defer cancel()

	status := HealthStatus{Healthy: true, Checks: map[string]string{}}
	if err := h.round.Do(ctx, func(*ctrl.Controller) error { return nil }); err != nil {
		status.Healthy = false
		status.Checks["session"] = err.Error()
	} else {
		status.Checks["session"] = "ok"
	}
	for name, probe := range h.probes {
		if err := probe(ctx); err != nil {
			status.Healthy = false
			status.Checks[name] = err.Error()
			continue
		}
		status.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to write health check response")
	}
}

// StateResponse is the body of GET /api/round/state.
type StateResponse struct {
	GameID      string            `json:"game_id"`
	Status      string            `json:"status"`
	Turns       int               `json:"turns"`
	Ply         int               `json:"ply"`
	Version     int               `json:"version"`
	Color       game.Color        `json:"color"`
	ToMove      game.Color        `json:"to_move"`
	Phase       string            `json:"phase"`
	Loading     bool              `json:"loading"`
	Redirecting bool              `json:"redirecting"`
	Premove     bool              `json:"premove"`
	Clock       *ClockState       `json:"clock,omitempty"`
	Offers      map[string]string `json:"offers"`
	ExpiresInMs *int64            `json:"expires_in_ms,omitempty"`
}

type ClockState struct {
	Running      bool       `json:"running"`
	Active       game.Color `json:"active"`
	SenteMillis  int64      `json:"sente_ms"`
	GoteMillis   int64      `json:"gote_ms"`
	SentePeriods int        `json:"sente_periods"`
	GotePeriods  int        `json:"gote_periods"`
}

func (h *handler) handleState(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.callTimeout)
	defer cancel()

	d, err := h.round.Snapshot(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to get round snapshot")
		http.Error(w, "Failed to get round state", http.StatusServiceUnavailable)
		return
	}
	state := StateResponse{
		GameID:  d.Game.ID,
		Status:  d.Game.Status.Name,
		Turns:   d.Game.Turns,
		Version: d.Player.Version,
		Color:   d.Player.Color,
		ToMove:  d.Game.Player,
		Offers:  map[string]string{},
	}
	err = h.round.Do(ctx, func(rc *ctrl.Controller) error {
		state.Ply = rc.Ply()
		state.Phase = rc.Phase().String()
		state.Loading = rc.Loading()
		state.Redirecting = rc.Redirecting()
		state.Premove = rc.HasPremove()
		if c := rc.Clock(); c != nil {
			state.Clock = &ClockState{
				Running:      c.IsRunning(),
				Active:       c.Active(),
				SenteMillis:  c.MillisOf(game.Sente),
				GoteMillis:   c.MillisOf(game.Gote),
				SentePeriods: c.PeriodsOf(game.Sente),
				GotePeriods:  c.PeriodsOf(game.Gote),
			}
		}
		for _, kind := range offerKinds {
			if n := rc.Offer(kind); n != nil {
				state.Offers[string(kind)] = n.State().String()
			}
		}
		if left, ok := rc.ExpirationRemaining(); ok {
			ms := left.Milliseconds()
			state.ExpiresInMs = &ms
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to read round state")
		http.Error(w, "Failed to get round state", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		log.Error().Err(err).Msg("failed to encode round state response")
	}
}

// CommandRequest is the body of POST /api/round/command.
type CommandRequest struct {
	Action string `json:"action"`
	USI    string `json:"usi,omitempty"`
	Ply    int    `json:"ply,omitempty"`
}

func (h *handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid command body", http.StatusBadRequest)
		return
	}
	cmd, err := parseCommand(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.callTimeout)
	defer cancel()
	if err := h.round.Do(ctx, cmd); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ctrl.ErrNotPlaying), errors.Is(err, ctrl.ErrNotYourTurn),
			errors.Is(err, ctrl.ErrPendingAction), errors.Is(err, ctrl.ErrReplaying):
			status = http.StatusConflict
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		}
		log.Warn().Err(err).Str("action", req.Action).Msg("round command rejected")
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseCommand maps a command request onto a controller call.
func parseCommand(req CommandRequest) (func(*ctrl.Controller) error, error) {
	switch req.Action {
	case "move":
		if drop, ok := game.ParseDrop(req.USI); ok {
			return func(c *ctrl.Controller) error { return c.SubmitDrop(drop, ctrl.MoveMeta{}) }, nil
		}
		m, err := game.ParseMove(req.USI)
		if err != nil {
			return nil, fmt.Errorf("invalid move %q: %w", req.USI, err)
		}
		return func(c *ctrl.Controller) error { return c.SubmitMove(m, ctrl.MoveMeta{}) }, nil
	case "confirm-move":
		return func(c *ctrl.Controller) error { return c.SubmitPending(true) }, nil
	case "cancel-move":
		return func(c *ctrl.Controller) error { return c.SubmitPending(false) }, nil
	case "jump":
		return func(c *ctrl.Controller) error {
			c.UserJump(req.Ply)
			return nil
		}, nil
	case "resign":
		return func(c *ctrl.Controller) error { return c.Resign(true) }, nil
	case "resign-cancel":
		return func(c *ctrl.Controller) error { return c.Resign(false) }, nil
	case "draw-yes":
		return func(c *ctrl.Controller) error { return c.OfferDraw(true) }, nil
	case "draw-no":
		return func(c *ctrl.Controller) error { return c.OfferDraw(false) }, nil
	case "takeback-yes":
		return (*ctrl.Controller).TakebackYes, nil
	case "takeback-no":
		return (*ctrl.Controller).TakebackNo, nil
	case "pause-yes":
		return func(c *ctrl.Controller) error { return c.OfferPause(true) }, nil
	case "pause-no":
		return func(c *ctrl.Controller) error { return c.OfferPause(false) }, nil
	case "resume":
		return (*ctrl.Controller).OfferResume, nil
	case "rematch-yes":
		return (*ctrl.Controller).OfferRematch, nil
	case "rematch-no":
		return (*ctrl.Controller).DeclineRematch, nil
	case "berserk":
		return (*ctrl.Controller).GoBerserk, nil
	case "more-time":
		return (*ctrl.Controller).MoreTime, nil
	}
	return nil, fmt.Errorf("unknown action %q", req.Action)
}

func (h *handler) getSnapshot(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	d, err := h.round.Snapshot(ctx)
	if err != nil {
		return nil, connect.NewError(connect.CodeUnavailable, err)
	}
	if id := req.Msg.GetFields()["gameId"].GetStringValue(); id != "" && id != d.Game.ID {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("game %s is not running here", id))
	}
	s, err := snapshot.ToStruct(&d)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(s), nil
}
