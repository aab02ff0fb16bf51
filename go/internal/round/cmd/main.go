package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/roundsync/go/internal/config"
	"github.com/mcdev12/roundsync/go/internal/dbconfig"
	"github.com/mcdev12/roundsync/go/internal/round/archive"
	"github.com/mcdev12/roundsync/go/internal/round/ctrl"
	"github.com/mcdev12/roundsync/go/internal/round/game"
	"github.com/mcdev12/roundsync/go/internal/round/journal"
	"github.com/mcdev12/roundsync/go/internal/round/session"
	"github.com/mcdev12/roundsync/go/internal/round/snapshot"
	"github.com/mcdev12/roundsync/go/internal/round/socket"
	"github.com/mcdev12/roundsync/go/internal/round/statusapi"
	"github.com/mcdev12/roundsync/go/internal/round/transport"
)

var errLinkDown = errors.New("round link is down")

const linkCloseTimeout = 5 * time.Second

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(os.Getenv("ROUNDSYNC_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jar, err := transport.NewCookieJar()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create cookie jar")
	}
	httpClient := &http.Client{Jar: jar, Timeout: cfg.Round.HTTPTimeout}
	snapshots := newSnapshotProvider(cfg, httpClient)

	fetchCtx, cancel := context.WithTimeout(ctx, cfg.Round.HTTPTimeout)
	data, err := snapshots.FetchSnapshot(fetchCtx)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to fetch initial round state")
	}

	tc := cfg.TransportConfig()
	tc.Jar = jar
	link := transport.NewClient(tc)

	clock := clockwork.NewRealClock()
	sess := session.New(cfg.SessionConfig(), clock, data, link, snapshots, session.Collaborators{
		Notifier: logNotifier{},
		Sound:    logSound{},
	})

	log.Info().
		Str("session_id", sess.ID.String()).
		Str("game_id", data.Game.ID).
		Str("color", string(data.Player.Color)).
		Str("socket_url", tc.URL).
		Msg("starting round session")

	var j *journal.Journal
	if cfg.Journal.Enabled {
		j, err = journal.Connect(ctx, cfg.JournalConfig(), clock, sess.ID, data.Game.ID)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect journal")
		}
		defer j.Close()
	}

	var arch *archive.Archive
	if cfg.Archive.Enabled {
		var closePool func()
		arch, closePool, err = archive.Open(ctx, dbconfig.NewConfigFromEnv())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open archive")
		}
		defer closePool()
		if err := arch.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate archive")
		}
	}

	// The link outlives the session so the session's final frames reach the server.
	linkCtx, stopLink := context.WithCancel(context.Background())
	defer stopLink()
	linkDone := make(chan struct{})
	go func() {
		defer close(linkDone)
		if err := link.Run(linkCtx); err != nil {
			log.Error().Err(err).Msg("link failed")
		}
	}()

	var server *http.Server
	if cfg.Status.Enabled {
		probes := map[string]statusapi.Probe{
			"link": func(context.Context) error {
				if !link.Connected() {
					return errLinkDown
				}
				return nil
			},
		}
		if j != nil {
			probes["journal"] = j.Check
		}
		if arch != nil {
			probes["archive"] = arch.Ping
		}
		server = statusapi.NewServer(cfg.StatusConfig(), sess, probes)
		go func() {
			log.Info().Str("addr", server.Addr).Msg("status server starting")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("status server failed")
			}
		}()
	}

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		consumeEvents(ctx, sess, j, arch, clock)
	}()

	if err := sess.Run(ctx); err != nil {
		log.Error().Err(err).Msg("session ended")
	}
	stopLink()
	select {
	case <-linkDone:
	case <-time.After(linkCloseTimeout):
		log.Warn().Msg("link did not close in time")
	}
	<-consumed

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("status server shutdown failed")
		}
	}
	log.Info().Msg("round session shutdown complete")
}

func newSnapshotProvider(cfg *config.Config, httpClient *http.Client) socket.SnapshotProvider {
	if cfg.Round.SnapshotRPC != "" {
		return snapshot.NewConnectProvider(httpClient, cfg.Round.SnapshotRPC, cfg.Round.GameID, game.Color(cfg.Round.Color))
	}
	return snapshot.NewHTTPProvider(httpClient, cfg.Round.SnapshotURL)
}

// consumeEvents fans controller events out to the journal and archives the
// round once it ends. It returns when the session closes its event stream.
func consumeEvents(ctx context.Context, sess *session.Session, j *journal.Journal, arch *archive.Archive, clock clockwork.Clock) {
	var journalCh chan ctrl.Event
	if j != nil {
		journalCh = make(chan ctrl.Event, 64)
		defer close(journalCh)
		go j.Consume(ctx, journalCh)
	}

	for ev := range sess.Events() {
		log.Debug().Str("event", string(ev.EventKind())).Interface("payload", ev).Msg("round event")

		if journalCh != nil {
			select {
			case journalCh <- ev:
			default:
				log.Warn().Str("event", string(ev.EventKind())).Msg("journal backlog full, dropping event")
			}
		}

		if ended, ok := ev.(ctrl.GameEnded); ok {
			log.Info().Str("status", ended.Status.Name).Msg("round finished")
			if arch != nil {
				archiveRound(ctx, sess, arch, clock)
			}
		}
	}
}

func archiveRound(ctx context.Context, sess *session.Session, arch *archive.Archive, clock clockwork.Clock) {
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	d, err := sess.Snapshot(sctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to snapshot finished round")
		return
	}
	if _, err := arch.Save(sctx, sess.ID, &d, clock.Now()); err != nil {
		log.Error().Err(err).Msg("failed to archive round")
	}
}

type logNotifier struct{}

func (logNotifier) Notify(title, body string) {
	log.Info().Str("title", title).Str("body", body).Msg("notification")
}

type logSound struct{}

func (logSound) Play(cue ctrl.SoundCue) {
	log.Debug().Str("cue", string(cue)).Msg("sound")
}
