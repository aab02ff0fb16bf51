// Package snapshot fetches the authoritative round state used to resync a
// session.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mcdev12/roundsync/go/internal/round/game"
)

// Procedure is the connect procedure serving round snapshots.
const Procedure = "/roundsync.v1.RoundService/GetSnapshot"

var ErrNoSnapshot = errors.New("no snapshot")

// HTTPProvider reads the round state as JSON from the round URL.
type HTTPProvider struct {
	client *http.Client
	url    string
	logger zerolog.Logger
}

// NewHTTPProvider creates a provider for url. The client should carry the
// same cookie jar as the websocket link.
func NewHTTPProvider(client *http.Client, url string) *HTTPProvider {
	return &HTTPProvider{
		client: client,
		url:    url,
		logger: log.With().Str("component", "snapshot").Str("url", url).Logger(),
	}
}

// FetchSnapshot retrieves the current round state.
func (p *HTTPProvider) FetchSnapshot(ctx context.Context) (*game.Data, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch snapshot: unexpected status %d: %s", resp.StatusCode, body)
	}

	var d game.Data
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	p.logger.Debug().Int("version", d.Player.Version).Int("turns", d.Game.Turns).Msg("snapshot fetched")
	return &d, nil
}

// ConnectProvider asks a round service for the state over connect.
type ConnectProvider struct {
	client *connect.Client[structpb.Struct, structpb.Struct]
	gameID string
	color  game.Color
}

// NewConnectProvider creates a provider calling baseURL for gameID as seen by color.
func NewConnectProvider(httpClient connect.HTTPClient, baseURL, gameID string, color game.Color, opts ...connect.ClientOption) *ConnectProvider {
	return &ConnectProvider{
		client: connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+Procedure, opts...),
		gameID: gameID,
		color:  color,
	}
}

// FetchSnapshot retrieves the current round state.
func (p *ConnectProvider) FetchSnapshot(ctx context.Context) (*game.Data, error) {
	req, err := structpb.NewStruct(map[string]any{
		"gameId": p.gameID,
		"color":  string(p.color),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot request: %w", err)
	}
	resp, err := p.client.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return FromStruct(resp.Msg)
}

// ToStruct renders the round state as a protobuf Struct.
func ToStruct(d *game.Data) (*structpb.Struct, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("convert snapshot: %w", err)
	}
	return s, nil
}

// FromStruct reads the round state back from a protobuf Struct.
func FromStruct(s *structpb.Struct) (*game.Data, error) {
	if s == nil || len(s.GetFields()) == 0 {
		return nil, ErrNoSnapshot
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot struct: %w", err)
	}
	var d game.Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode snapshot struct: %w", err)
	}
	return &d, nil
}
