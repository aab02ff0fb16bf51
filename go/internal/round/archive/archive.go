// Package archive stores finished rounds in Postgres.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/roundsync/go/internal/dbconfig"
	"github.com/mcdev12/roundsync/go/internal/round/game"
)

var ErrNotFound = errors.New("round not archived")

// Schema creates the archive table.
const Schema = `
CREATE TABLE IF NOT EXISTS finished_rounds (
    game_id      TEXT        NOT NULL,
    color        TEXT        NOT NULL,
    session_id   UUID        NOT NULL,
    status       TEXT        NOT NULL,
    winner       TEXT,
    turns        INTEGER     NOT NULL,
    moves        TEXT[]      NOT NULL,
    final_sfen   TEXT        NOT NULL,
    rating_diff  INTEGER,
    snapshot     JSONB       NOT NULL,
    finished_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (game_id, color)
)`

const insertRound = `
INSERT INTO finished_rounds (
  game_id, color, session_id, status, winner, turns,
  moves, final_sfen, rating_diff, snapshot, finished_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (game_id, color) DO NOTHING`

const selectRound = `
SELECT session_id, status, winner, turns, moves, final_sfen, rating_diff, snapshot, finished_at
FROM finished_rounds
WHERE game_id = $1 AND color = $2`

// DB is the subset of a pgx pool the archive uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Entry is one archived round as seen by one player.
type Entry struct {
	GameID     string
	Color      game.Color
	SessionID  uuid.UUID
	Status     string
	Winner     *game.Color
	Turns      int
	Moves      []string
	FinalSFEN  string
	RatingDiff *int
	Snapshot   game.Data
	FinishedAt time.Time
}

type Archive struct {
	db     DB
	logger zerolog.Logger
}

func New(db DB) *Archive {
	return &Archive{
		db:     db,
		logger: log.With().Str("component", "archive").Logger(),
	}
}

// Open connects a pool and returns the archive with the pool's Close.
func Open(ctx context.Context, cfg dbconfig.Config) (*Archive, func(), error) {
	pc, err := cfg.PoolConfig()
	if err != nil {
		return nil, nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, nil, fmt.Errorf("connect archive: %w", err)
	}
	a := New(pool)
	if err := a.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return a, pool.Close, nil
}

// Ping checks the database when the underlying handle supports it.
func (a *Archive) Ping(ctx context.Context) error {
	p, ok := a.db.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("ping archive: %w", err)
	}
	return nil
}

// Migrate creates the archive table when missing.
func (a *Archive) Migrate(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create finished_rounds: %w", err)
	}
	return nil
}

// Save archives a finished round. It reports false when the round was
// already archived for this player.
func (a *Archive) Save(ctx context.Context, sessionID uuid.UUID, d *game.Data, finishedAt time.Time) (bool, error) {
	if !d.Game.Status.Finished() {
		return false, fmt.Errorf("save round %s: status %q is not final", d.Game.ID, d.Game.Status.Name)
	}
	snapshot, err := json.Marshal(d)
	if err != nil {
		return false, fmt.Errorf("marshal snapshot: %w", err)
	}

	moves := make([]string, 0, len(d.Steps))
	for _, s := range d.Steps {
		if s.Move != "" {
			moves = append(moves, s.Move)
		}
	}
	var finalSFEN string
	if last, ok := game.LastStep(d); ok {
		finalSFEN = last.Position
	}
	var winner *string
	if d.Game.Winner != nil {
		w := string(*d.Game.Winner)
		winner = &w
	}
	var ratingDiff *int
	if d.Player.RatingDiff != 0 {
		rd := d.Player.RatingDiff
		ratingDiff = &rd
	}

	tag, err := a.db.Exec(ctx, insertRound,
		d.Game.ID, string(d.Player.Color), sessionID, d.Game.Status.Name, winner, d.Game.Turns,
		moves, finalSFEN, ratingDiff, snapshot, finishedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert round %s: %w", d.Game.ID, err)
	}
	inserted := tag.RowsAffected() == 1
	a.logger.Info().
		Str("game_id", d.Game.ID).
		Str("status", d.Game.Status.Name).
		Int("turns", d.Game.Turns).
		Bool("inserted", inserted).
		Msg("round archived")
	return inserted, nil
}

// Load reads an archived round back.
func (a *Archive) Load(ctx context.Context, gameID string, color game.Color) (*Entry, error) {
	e := Entry{GameID: gameID, Color: color}
	var (
		winner   *string
		snapshot []byte
	)
	err := a.db.QueryRow(ctx, selectRound, gameID, string(color)).Scan(
		&e.SessionID, &e.Status, &winner, &e.Turns, &e.Moves, &e.FinalSFEN, &e.RatingDiff, &snapshot, &e.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select round %s: %w", gameID, err)
	}
	if winner != nil {
		w := game.Color(*winner)
		e.Winner = &w
	}
	if err := json.Unmarshal(snapshot, &e.Snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", gameID, err)
	}
	return &e, nil
}
