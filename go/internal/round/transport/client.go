// Package transport is the websocket link between a round session and the
// round server.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"github.com/mcdev12/roundsync/go/internal/round/protocol"
)

var ErrSendBufferFull = errors.New("send buffer full")

// Config holds configuration for the websocket link.
type Config struct {
	URL              string
	Header           http.Header
	Jar              http.CookieJar
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	ReadBufferSize   int
	WriteBufferSize  int
	SendBuffer       int
	FrameBuffer      int
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
}

// DefaultConfig returns default link configuration for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     3 * time.Second,
		MaxMessageSize:   256 * 1024, // reloads carry a full snapshot
		ReadBufferSize:   4096,
		WriteBufferSize:  1024,
		SendBuffer:       256,
		FrameBuffer:      256,
		ReconnectMin:     500 * time.Millisecond,
		ReconnectMax:     10 * time.Second,
	}
}

// NewCookieJar returns a jar scoped by the public suffix list, shared by the
// link and the snapshot HTTP client so both carry the same session cookie.
func NewCookieJar() (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return jar, nil
}

// Client keeps one websocket connection to the round server alive and
// exposes it as channels.
type Client struct {
	cfg         Config
	dialer      *websocket.Dialer
	send        chan []byte
	frames      chan []byte
	lags        chan int
	reconnected chan struct{}
	lag         atomic.Int64
	connected   atomic.Bool
	logger      zerolog.Logger
}

// NewClient creates a link. Nothing is dialed until Run.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
			Jar:              cfg.Jar,
		},
		send:        make(chan []byte, cfg.SendBuffer),
		frames:      make(chan []byte, cfg.FrameBuffer),
		lags:        make(chan int, 1),
		reconnected: make(chan struct{}, 1),
		logger:      log.With().Str("component", "transport").Str("url", cfg.URL).Logger(),
	}
}

// Send queues a frame. Frames queued while disconnected go out after the
// next successful dial.
func (c *Client) Send(b []byte) error {
	select {
	case c.send <- b:
		return nil
	default:
		c.logger.Warn().Int("buffer", cap(c.send)).Msg("send buffer full, dropping frame")
		return ErrSendBufferFull
	}
}

func (c *Client) Frames() <-chan []byte        { return c.frames }
func (c *Client) Lags() <-chan int             { return c.lags }
func (c *Client) Reconnected() <-chan struct{} { return c.reconnected }

// Lag is the last measured one-way lag in millis.
func (c *Client) Lag() int {
	return int(c.lag.Load())
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run dials and redials until ctx is done, then closes Frames.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.frames)

	backoff := c.cfg.ReconnectMin
	everConnected := false
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("dial failed")
		} else {
			backoff = c.cfg.ReconnectMin
			if everConnected {
				select {
				case c.reconnected <- struct{}{}:
				default:
				}
			}
			everConnected = true
			c.logger.Info().Msg("link connected")

			err = c.serve(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("link dropped")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.ReconnectMax)
	}
}

// serve runs both pumps over conn until one of them fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.connected.Store(true)
	defer c.connected.Store(false)

	errCh := make(chan error, 2)
	go func() { errCh <- c.readPump(connCtx, conn) }()
	go func() { errCh <- c.writePump(connCtx, conn) }()

	err := <-errCh
	cancel()
	conn.Close()
	<-errCh
	return err
}

// writePump sends queued frames, pings for lag and closes the connection
// when ctx ends.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flush(conn)
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil

		case message := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error().Err(err).Msg("failed to write frame")
				return fmt.Errorf("write frame: %w", err)
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
			if err := conn.WriteMessage(websocket.PingMessage, []byte(stamp)); err != nil {
				c.logger.Error().Err(err).Msg("failed to send ping")
				return fmt.Errorf("write ping: %w", err)
			}
			if err := c.writeLagReport(conn); err != nil {
				return err
			}
		}
	}
}

// flush writes whatever is still queued, such as a final bye, before the
// close frame.
func (c *Client) flush(conn *websocket.Conn) {
	for {
		select {
		case message := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn().Err(err).Int("pending", len(c.send)).Msg("failed to flush frames on close")
				return
			}
		default:
			return
		}
	}
}

// writeLagReport tells the server the lag measured so far.
func (c *Client) writeLagReport(conn *websocket.Conn) error {
	lag := c.Lag()
	b, err := protocol.Encode(protocol.Envelope{T: protocol.OutPing, L: &lag}, nil)
	if err != nil {
		return fmt.Errorf("encode ping: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("write ping: %w", err)
	}
	return nil
}

// readPump forwards incoming frames and measures lag from pongs.
func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(c.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.recordPong(appData)
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error().Err(err).Msg("unexpected websocket close error")
			}
			return fmt.Errorf("read frame: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		select {
		case c.frames <- message:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) recordPong(appData string) {
	sent, err := strconv.ParseInt(appData, 10, 64)
	if err != nil {
		return
	}
	lag := int(time.Since(time.Unix(0, sent)).Milliseconds() / 2)
	c.lag.Store(int64(lag))
	select {
	case c.lags <- lag:
	default:
	}
}
