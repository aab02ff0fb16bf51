// Package journal mirrors round controller events to a JetStream stream.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/roundsync/go/internal/round/ctrl"
)

type Config struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int // -1 retries forever
	ReconnectWait   time.Duration
	MaxAge          time.Duration // How long to keep records
	MaxMsgs         int64
	Replicas        int
	DuplicateWindow time.Duration // Replayed plies inside the window are dropped by the server
	PublishTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "ROUND_EVENTS",
		SubjectPrefix:   "round.events",
		MaxReconnects:   -1,
		ReconnectWait:   time.Second,
		MaxAge:          7 * 24 * time.Hour,
		MaxMsgs:         -1,
		Replicas:        1,
		DuplicateWindow: 6 * time.Hour,
		PublishTimeout:  5 * time.Second,
	}
}

// Publisher is the part of a JetStream context the journal needs.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Record is the body of a journal message.
type Record struct {
	EventID   string          `json:"eventId"`
	SessionID string          `json:"sessionId"`
	GameID    string          `json:"gameId"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Journal publishes the events of one session.
type Journal struct {
	pub       Publisher
	cfg       Config
	clock     clockwork.Clock
	sessionID uuid.UUID
	gameID    string
	nc        *nats.Conn
	logger    zerolog.Logger
}

// New creates a journal over an existing publisher.
func New(pub Publisher, cfg Config, clock clockwork.Clock, sessionID uuid.UUID, gameID string) *Journal {
	return &Journal{
		pub:       pub,
		cfg:       cfg,
		clock:     clock,
		sessionID: sessionID,
		gameID:    gameID,
		logger: log.With().
			Str("component", "journal").
			Str("session_id", sessionID.String()).
			Str("game_id", gameID).
			Logger(),
	}
}

// Connect dials NATS, makes sure the stream exists and returns a journal
// that owns the connection.
func Connect(ctx context.Context, cfg Config, clock clockwork.Clock, sessionID uuid.UUID, gameID string) (*Journal, error) {
	nc, err := nats.Connect(cfg.URL, connOptions(cfg, sessionID)...)
	if err != nil {
		return nil, fmt.Errorf("dial journal %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err == nil {
		err = ensureStream(ctx, js, cfg)
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("journal stream %s: %w", cfg.StreamName, err)
	}

	j := New(js, cfg, clock, sessionID, gameID)
	j.nc = nc
	return j, nil
}

func connOptions(cfg Config, sessionID uuid.UUID) []nats.Option {
	l := log.With().Str("component", "journal").Logger()
	return []nats.Option{
		nats.Name("roundsync-" + sessionID.String()),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn().Err(err).Msg("journal connection lost")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info().Str("url", nc.ConnectedUrl()).Msg("journal connection restored")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			l.Error().Err(err).Msg("journal async error")
		}),
	}
}

// ensureStream creates the stream, or updates it when its limits drifted
// from cfg.
func ensureStream(ctx context.Context, js jetstream.JetStream, cfg Config) error {
	want := jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "Round session events",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      cfg.MaxAge,
		MaxMsgs:     cfg.MaxMsgs,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.DuplicateWindow,
	}

	stream, err := js.Stream(ctx, cfg.StreamName)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		if _, err := js.CreateStream(ctx, want); err != nil {
			return fmt.Errorf("create: %w", err)
		}
		log.Info().Str("stream", cfg.StreamName).Msg("journal stream created")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}

	have := stream.CachedInfo().Config
	if have.MaxAge == want.MaxAge && have.MaxMsgs == want.MaxMsgs &&
		have.Replicas == want.Replicas && have.Duplicates == want.Duplicates {
		return nil
	}
	if _, err := js.UpdateStream(ctx, want); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	log.Info().Str("stream", cfg.StreamName).Msg("journal stream limits updated")
	return nil
}

// Subject is where events of kind k for this game are published.
func (j *Journal) Subject(k ctrl.EventKind) string {
	return fmt.Sprintf("%s.%s.%s", j.cfg.SubjectPrefix, j.gameID, k)
}

// Publish writes one event. Live ply changes carry a message id derived from
// the ply so a replay after resync is deduplicated by the stream.
func (j *Journal) Publish(ctx context.Context, ev ctrl.Event) error {
	payload, msgID := encodeEvent(ev, j.gameID)
	if msgID == "" {
		msgID = uuid.NewString()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", ev.EventKind(), err)
	}
	data, err := json.Marshal(Record{
		EventID:   msgID,
		SessionID: j.sessionID.String(),
		GameID:    j.gameID,
		Kind:      string(ev.EventKind()),
		Timestamp: j.clock.Now().UTC(),
		Payload:   raw,
	})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	subject := j.Subject(ev.EventKind())
	ack, err := j.pub.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Kind": []string{string(ev.EventKind())},
			"Game-ID":    []string{j.gameID},
			"Session-ID": []string{j.sessionID.String()},
		},
	},
		jetstream.WithMsgID(msgID),
		jetstream.WithExpectStream(j.cfg.StreamName),
	)
	if err != nil {
		return fmt.Errorf("journal %s: %w", subject, err)
	}

	j.logger.Debug().
		Str("subject", subject).
		Str("event_id", msgID).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("event journaled")
	return nil
}

// Consume publishes every event until the stream closes or ctx ends.
// Failures are logged and skipped.
func (j *Journal) Consume(ctx context.Context, events <-chan ctrl.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			pctx, cancel := context.WithTimeout(ctx, j.cfg.PublishTimeout)
			if err := j.Publish(pctx, ev); err != nil {
				j.logger.Error().Err(err).Str("kind", string(ev.EventKind())).Msg("failed to journal event")
			}
			cancel()
		}
	}
}

// Check reports whether the NATS connection is up. A journal built over a
// bare publisher has nothing to check.
func (j *Journal) Check(context.Context) error {
	if j.nc == nil {
		return nil
	}
	if !j.nc.IsConnected() {
		return fmt.Errorf("nats %s", j.nc.Status())
	}
	return nil
}

func (j *Journal) Close() error {
	if j.nc != nil {
		j.nc.Close()
	}
	return nil
}

func encodeEvent(ev ctrl.Event, gameID string) (map[string]any, string) {
	switch e := ev.(type) {
	case ctrl.PlyChanged:
		p := map[string]any{"ply": e.Ply, "live": e.Live}
		if e.Live {
			return p, fmt.Sprintf("%s-ply-%d", gameID, e.Ply)
		}
		return p, ""
	case ctrl.StateChanged:
		p := map[string]any{"reason": e.Reason}
		if e.Redirect != "" {
			p["redirect"] = e.Redirect
		}
		return p, ""
	case ctrl.GameEnded:
		p := map[string]any{"status": e.Status.Name}
		if e.Winner != nil {
			p["winner"] = string(*e.Winner)
		}
		if e.RatingDiff != nil {
			p["ratingDiff"] = e.RatingDiff
		}
		return p, gameID + "-end"
	case ctrl.OfferChanged:
		return map[string]any{"offer": string(e.Kind), "state": e.State.String()}, ""
	case ctrl.Desync:
		msg := ""
		if e.Err != nil {
			msg = e.Err.Error()
		}
		return map[string]any{"error": msg}, ""
	case ctrl.Loading:
		return map[string]any{"on": e.On}, ""
	}
	return map[string]any{}, ""
}
