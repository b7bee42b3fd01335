// guardianlink-session runs one end of a monitoring session from the
// terminal: the parent (controller) role that watches, or the kid
// (controlled) role that is watched. Configuration comes from
// GUARDIANLINK_* env vars with a small flag overlay; see internal/config.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/guardianlink/guardianlink/internal/config"
	"github.com/guardianlink/guardianlink/internal/iceservers"
	"github.com/guardianlink/guardianlink/internal/metrics"
	"github.com/guardianlink/guardianlink/internal/session"
	sigmsg "github.com/guardianlink/guardianlink/internal/signal"
	"github.com/guardianlink/guardianlink/internal/signaling"
)

var (
	// Set via -ldflags at build time. May be empty in local builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if cfg.PeerID == "" {
		fmt.Fprintln(os.Stderr, "peer id is required (-peer-id or GUARDIANLINK_PEER_ID)")
		os.Exit(2)
	}

	logger.Info("starting guardianlink-session",
		"role", cfg.Role,
		"peer_id", cfg.PeerID,
		"video", cfg.Video,
		"broker_set", cfg.BrokerURL != "",
		"relay_set", cfg.RelayURL != "",
		"commit", buildCommit,
		"build_time", buildTime,
	)

	newTransport := signaling.NewMQTTTransportFactory(cfg.BrokerURL)
	if cfg.RelayURL != "" {
		newTransport = signaling.NewRelayTransportFactory(cfg.RelayURL)
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.PrometheusHandler(m))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics listener failed", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
		logger.Info("metrics endpoint up", "addr", cfg.MetricsAddr)
	}

	channel := signaling.New(signaling.Config{
		Logger:               logger,
		Metrics:              m,
		LocalRole:            cfg.Role,
		TopicPrefix:          cfg.TopicPrefix,
		NewTransport:         newTransport,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMultiplier:  cfg.ReconnectMultiplier,
	})
	provider := iceservers.New(iceservers.Config{
		Logger:         logger,
		Metrics:        m,
		Fallback:       cfg.FallbackICEServers,
		TokenURL:       cfg.TurnTokenURL,
		AttemptTimeout: cfg.TurnFetchTimeout,
		Retries:        cfg.TurnFetchRetries,
		RetryDelay:     cfg.TurnFetchDelay,
	})

	orc := session.NewOrchestrator(session.Config{
		Logger:        logger,
		Metrics:       m,
		Role:          cfg.Role,
		Video:         cfg.Video,
		Channel:       channel,
		Provider:      provider,
		OfferTimeout:  cfg.OfferTimeout,
		RetryDelay:    cfg.RetryDelay,
		StartCooldown: cfg.StartCooldown,
		Callbacks:     statusCallbacks(cfg),
	})

	creds := session.Credentials{
		Signaling: signaling.Credentials{
			Username: cfg.SignalUsername,
			Password: cfg.SignalPassword,
		},
		Token: iceservers.Credentials{
			AccountID: cfg.TurnTokenAccount,
			AuthKey:   cfg.TurnTokenKey,
		},
	}
	if err := orc.Start(creds, cfg.PeerID); err != nil {
		logger.Error("start failed", "err", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	pterm.Println()
	pterm.DefaultLogger.Info("shutting down")
	orc.Stop()
}

func statusCallbacks(cfg config.Config) session.Callbacks {
	return session.Callbacks{
		OnStateChange: func(state session.State, reason error) {
			switch state {
			case session.StateConnected:
				pterm.Success.Printfln("session %s: connected to %s", cfg.Role, cfg.PeerID)
			case session.StateFailed:
				pterm.Error.Printfln("session %s: failed: %v", cfg.Role, reason)
			default:
				pterm.Info.Printfln("session %s: %s", cfg.Role, state)
			}
		},
		OnRemoteAudioTrack: func(track *webrtc.TrackRemote) {
			pterm.Success.Println("remote audio track available")
		},
		OnRemoteVideoTrack: func(track *webrtc.TrackRemote) {
			pterm.Success.Println("remote video track available")
		},
		OnControl: func(env sigmsg.Envelope) {
			pterm.Info.Printfln("control %s: %s %s", env.Kind, env.Command, env.Status)
		},
	}
}
