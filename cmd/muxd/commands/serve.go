package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pimux/muxd/internal/agentsession"
	"github.com/pimux/muxd/internal/breaker"
	"github.com/pimux/muxd/internal/config"
	"github.com/pimux/muxd/internal/engine"
	"github.com/pimux/muxd/internal/governor"
	"github.com/pimux/muxd/internal/lane"
	"github.com/pimux/muxd/internal/logging"
	"github.com/pimux/muxd/internal/metrics"
	"github.com/pimux/muxd/internal/muxserver"
	"github.com/pimux/muxd/internal/replay"
	"github.com/pimux/muxd/internal/sessionlock"
	"github.com/pimux/muxd/internal/transport"
	"github.com/pimux/muxd/internal/version"
	"github.com/pimux/muxd/pkg/types"
)

const protocolVersion = "1.0"

var (
	portFlag  int
	stdioFlag bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the muxd multiplexer daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&stdioFlag, "stdio", false, "Also serve the newline-delimited JSON stdio transport")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	built := config.Build(cfg)
	if portFlag > 0 {
		built.Transport.WebSocketAddr = portAddrFromFlag(portFlag)
	}

	sink := metrics.NewMemorySink()

	gov := governor.New(built.Governor)
	gov.SetMetrics(sink)

	replayStore := replay.New(built.Replay)
	versionStore := version.New()
	laneTable := lane.New()
	locks := sessionlock.New(built.Sessionlock)
	breakers := breaker.NewWithConfig(breaker.ManagerConfig{LLM: built.Breaker})

	srv := muxserver.New(muxserver.Config{
		ServerVersion:   Version,
		ProtocolVersion: protocolVersion,
		Transports:      serverTransports(),
		AllowedRoots:    built.Validate.AllowedRoots,
	}, muxserver.Deps{
		Builder:  agentsession.FakeBuilder,
		Locks:    locks,
		Governor: gov,
		Versions: versionStore,
		Breakers: breakers,
		Metrics:  sink,
	})

	gov.StartSweeper(func(sessionID string, age time.Duration) {
		logging.Warn().Str("sessionId", sessionID).Dur("age", age).Msg("session exceeded max lifetime, deleting")
		if _, err := srv.Handle(context.Background(), &types.Command{
			Type:      types.CmdDeleteSession,
			SessionID: sessionID,
		}); err != nil {
			logging.Error().Str("sessionId", sessionID).Err(err).Msg("failed to delete expired session")
		}
	})
	defer gov.Stop()

	eng := engine.New(built.Engine, engine.Deps{
		Replay:   replayStore,
		Versions: versionStore,
		Governor: gov,
		Lanes:    laneTable,
		Breakers: breakers,
		Sessions: srv,
		Server:   srv,
		UI:       srv.UI(),
		Sink:     srv,
	})

	duplex := transport.NewDuplex(built.Transport, srv, eng)

	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath, func(b config.Built) {
			// Only the mutable subset takes effect live: rate limits,
			// session/connection capacity, and session lifetime. Port and
			// message-size limits were already read once at startup.
			gov.UpdateLimits(b.Governor)
			logging.Info().Msg("applied reloaded rate limits, capacity, and session lifetime")
		})
		if err != nil {
			logging.Warn().Err(err).Str("path", configPath).Msg("could not start config watcher, hot reload disabled")
		} else {
			watcher.Start()
		}
	}

	errCh := make(chan error, 2)
	go func() {
		logging.Info().Str("addr", built.Transport.WebSocketAddr).Msg("duplex transport listening")
		if err := duplex.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, cancelStdio := context.WithCancel(context.Background())
	defer cancelStdio()
	if stdioFlag {
		stdio := transport.NewStdio(built.Transport, srv, eng, os.Stdin, os.Stdout)
		go func() {
			logging.Info().Msg("stdio transport running")
			if err := stdio.Run(ctx); err != nil && err != context.Canceled {
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("shutting down muxd")
	case err := <-errCh:
		logging.Error().Err(err).Msg("transport error, shutting down muxd")
	}

	cancelStdio()
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logging.Warn().Err(err).Msg("error stopping config watcher")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := duplex.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("error shutting down duplex transport")
	}

	logging.Info().Msg("muxd stopped")
	return nil
}

func serverTransports() []string {
	if stdioFlag {
		return []string{"websocket", "stdio"}
	}
	return []string{"websocket"}
}

func portAddrFromFlag(port int) string {
	return ":" + strconv.Itoa(port)
}
