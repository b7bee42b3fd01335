// Package config loads the session core's configuration from environment
// variables with a flag overlay, and constructs the process logger.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/guardianlink/guardianlink/internal/signal"
)

const (
	envVarRole        = "GUARDIANLINK_ROLE"
	envVarDeviceID    = "GUARDIANLINK_DEVICE_ID"
	envVarPeerID      = "GUARDIANLINK_PEER_ID"
	envVarVideo       = "GUARDIANLINK_VIDEO"
	envVarLogFormat   = "GUARDIANLINK_LOG_FORMAT"
	envVarLogLevel    = "GUARDIANLINK_LOG_LEVEL"
	envVarBrokerURL   = "GUARDIANLINK_MQTT_BROKER_URL"
	envVarTopicPrefix = "GUARDIANLINK_MQTT_TOPIC_PREFIX"
	envVarRelayURL    = "GUARDIANLINK_SIGNAL_RELAY_URL"
	envVarSignalUser  = "GUARDIANLINK_SIGNAL_USERNAME"
	envVarSignalPass  = "GUARDIANLINK_SIGNAL_PASSWORD"
	envVarMetricsAddr = "GUARDIANLINK_METRICS_ADDR"

	// Signaling reconnection knobs.
	envVarMaxReconnectAttempts = "GUARDIANLINK_SIGNALING_MAX_RECONNECT_ATTEMPTS"
	envVarReconnectBaseDelay   = "GUARDIANLINK_SIGNALING_RECONNECT_BASE_DELAY"
	envVarReconnectMultiplier  = "GUARDIANLINK_SIGNALING_RECONNECT_MULTIPLIER"

	// TURN token service (relay credential provisioning).
	envVarTurnTokenURL     = "GUARDIANLINK_TURN_TOKEN_URL"
	envVarTurnTokenAccount = "GUARDIANLINK_TURN_TOKEN_ACCOUNT"
	envVarTurnTokenKey     = "GUARDIANLINK_TURN_TOKEN_KEY"
	envVarTurnFetchTimeout = "GUARDIANLINK_TURN_FETCH_TIMEOUT"
	envVarTurnFetchRetries = "GUARDIANLINK_TURN_FETCH_RETRIES"
	envVarTurnFetchDelay   = "GUARDIANLINK_TURN_FETCH_RETRY_DELAY"

	// Session lifecycle knobs.
	envVarOfferTimeout  = "GUARDIANLINK_OFFER_TIMEOUT"
	envVarRetryDelay    = "GUARDIANLINK_RETRY_DELAY"
	envVarStartCooldown = "GUARDIANLINK_START_COOLDOWN"
)

const (
	DefaultTopicPrefix          = "guardianlink/signal"
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 500 * time.Millisecond
	DefaultReconnectMultiplier  = 2.0
	DefaultTurnFetchTimeout     = 3 * time.Second
	DefaultTurnFetchRetries     = 2
	DefaultTurnFetchDelay       = time.Second
	DefaultOfferTimeout         = 30 * time.Second
	DefaultRetryDelay           = 5 * time.Second
	DefaultStartCooldown        = 2 * time.Second
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	// Role selects which side of the session this process drives: the parent
	// (controller) answers offers, the kid (controlled) originates them.
	Role     signal.Role
	DeviceID string
	PeerID   string
	Video    bool

	LogFormat LogFormat
	LogLevel  slog.Level

	// BrokerURL is the MQTT broker used as the relayed signaling transport
	// (tcp://, ssl:// or ws:// schemes). TopicPrefix scopes all session
	// topics. RelayURL, when set, switches signaling to the plain WebSocket
	// dev relay instead of MQTT.
	BrokerURL   string
	TopicPrefix string
	RelayURL    string

	// SignalUsername and SignalPassword authenticate against the broker or
	// relay. Empty means anonymous, which the dev relay accepts.
	SignalUsername string
	SignalPassword string

	// MetricsAddr, when set, serves the Prometheus endpoint on that address.
	MetricsAddr string

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMultiplier  float64

	TurnTokenURL     string
	TurnTokenAccount string
	TurnTokenKey     string
	TurnFetchTimeout time.Duration
	TurnFetchRetries int
	TurnFetchDelay   time.Duration

	OfferTimeout  time.Duration
	RetryDelay    time.Duration
	StartCooldown time.Duration

	// FallbackICEServers is the STUN floor parsed in ice.go. Never empty.
	FallbackICEServers []webrtc.ICEServer
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Config{
		TopicPrefix:          envOrDefault(lookup, envVarTopicPrefix, DefaultTopicPrefix),
		BrokerURL:            envOrDefault(lookup, envVarBrokerURL, ""),
		RelayURL:             envOrDefault(lookup, envVarRelayURL, ""),
		TurnTokenURL:         envOrDefault(lookup, envVarTurnTokenURL, ""),
		TurnTokenAccount:     envOrDefault(lookup, envVarTurnTokenAccount, ""),
		TurnTokenKey:         envOrDefault(lookup, envVarTurnTokenKey, ""),
		SignalUsername:       envOrDefault(lookup, envVarSignalUser, ""),
		SignalPassword:       envOrDefault(lookup, envVarSignalPass, ""),
		MetricsAddr:          envOrDefault(lookup, envVarMetricsAddr, ""),
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectBaseDelay:   DefaultReconnectBaseDelay,
		ReconnectMultiplier:  DefaultReconnectMultiplier,
		TurnFetchTimeout:     DefaultTurnFetchTimeout,
		TurnFetchRetries:     DefaultTurnFetchRetries,
		TurnFetchDelay:       DefaultTurnFetchDelay,
		OfferTimeout:         DefaultOfferTimeout,
		RetryDelay:           DefaultRetryDelay,
		StartCooldown:        DefaultStartCooldown,
	}

	var err error
	if cfg.MaxReconnectAttempts, err = envIntOrDefault(lookup, envVarMaxReconnectAttempts, cfg.MaxReconnectAttempts); err != nil {
		return Config{}, err
	}
	if cfg.TurnFetchRetries, err = envIntOrDefault(lookup, envVarTurnFetchRetries, cfg.TurnFetchRetries); err != nil {
		return Config{}, err
	}
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{envVarReconnectBaseDelay, &cfg.ReconnectBaseDelay},
		{envVarTurnFetchTimeout, &cfg.TurnFetchTimeout},
		{envVarTurnFetchDelay, &cfg.TurnFetchDelay},
		{envVarOfferTimeout, &cfg.OfferTimeout},
		{envVarRetryDelay, &cfg.RetryDelay},
		{envVarStartCooldown, &cfg.StartCooldown},
	} {
		if *d.dst, err = envDurationOrDefault(lookup, d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	if raw, ok := lookup(envVarReconnectMultiplier); ok && strings.TrimSpace(raw) != "" {
		v, perr := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if perr != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarReconnectMultiplier, raw, perr)
		}
		cfg.ReconnectMultiplier = v
	}
	if raw, ok := lookup(envVarVideo); ok && strings.TrimSpace(raw) != "" {
		v, perr := strconv.ParseBool(strings.TrimSpace(raw))
		if perr != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarVideo, raw, perr)
		}
		cfg.Video = v
	}

	roleStr := envOrDefault(lookup, envVarRole, string(signal.RoleParent))
	deviceID := envOrDefault(lookup, envVarDeviceID, "")
	peerID := envOrDefault(lookup, envVarPeerID, "")
	logFormatStr := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")
	stunURLs := envOrDefault(lookup, envSTUNURLs, "")

	fs := flag.NewFlagSet("guardianlink-session", flag.ContinueOnError)
	fs.StringVar(&roleStr, "role", roleStr, "session role: parent or kid")
	fs.StringVar(&deviceID, "device-id", deviceID, "stable identifier of this device")
	fs.StringVar(&peerID, "peer-id", peerID, "identifier of the peer device")
	fs.BoolVar(&cfg.Video, "video", cfg.Video, "negotiate a video track in addition to audio")
	fs.StringVar(&cfg.BrokerURL, "broker-url", cfg.BrokerURL, "MQTT broker URL for signaling")
	fs.StringVar(&cfg.RelayURL, "relay-url", cfg.RelayURL, "WebSocket dev relay URL (overrides the MQTT broker)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	role, err := parseRole(roleStr)
	if err != nil {
		return Config{}, err
	}
	cfg.Role = role
	cfg.DeviceID = deviceID
	cfg.PeerID = peerID

	if cfg.LogFormat, err = parseLogFormat(logFormatStr); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(logLevelStr); err != nil {
		return Config{}, err
	}
	if cfg.FallbackICEServers, err = parseFallbackICEServers(stunURLs); err != nil {
		return Config{}, err
	}

	if cfg.ReconnectMultiplier < 1 {
		return Config{}, fmt.Errorf("%s must be >= 1, got %v", envVarReconnectMultiplier, cfg.ReconnectMultiplier)
	}
	if cfg.BrokerURL == "" && cfg.RelayURL == "" {
		return Config{}, fmt.Errorf("one of %s or %s is required", envVarBrokerURL, envVarRelayURL)
	}
	return cfg, nil
}

func parseRole(raw string) (signal.Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(signal.RoleParent):
		return signal.RoleParent, nil
	case string(signal.RoleKid):
		return signal.RoleKid, nil
	default:
		return "", fmt.Errorf("invalid %s %q: must be %q or %q", envVarRole, raw, signal.RoleParent, signal.RoleKid)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid %s %q", envVarLogFormat, raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q", envVarLogLevel, raw)
	}
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
