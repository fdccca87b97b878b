package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/rooms"
)

const (
	envVarListenAddr      = "AERO_SIGNALING_LISTEN_ADDR"
	envVarMode            = "AERO_SIGNALING_MODE"
	envVarLogFormat       = "AERO_SIGNALING_LOG_FORMAT"
	envVarLogLevel        = "AERO_SIGNALING_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_SIGNALING_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	envVarDefaultRoomID     = "DEFAULT_ROOM_ID"
	envVarDefaultRoomPolicy = "DEFAULT_ROOM_POLICY"
	envVarRoomPolicyFile    = "ROOM_POLICY_FILE"

	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarMaxSignalingBytesPerSecond    = "MAX_SIGNALING_BYTES_PER_SECOND"
	envVarSignalingSendQueueLen         = "SIGNALING_SEND_QUEUE_LEN"

	envVarFanoutBackend      = "FANOUT_BACKEND"
	envVarFanoutAMQPURL      = "FANOUT_AMQP_URL"
	envVarFanoutAMQPExchange = "FANOUT_AMQP_EXCHANGE"

	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr                         = "127.0.0.1:8080"
	DefaultShutdown                           = 15 * time.Second
	DefaultMode                          Mode = ModeDev
	DefaultRoomPolicy                         = rooms.ModePaired
	DefaultSignalingWSIdleTimeout             = 60 * time.Second
	DefaultSignalingWSPingInterval            = 20 * time.Second
	DefaultMaxSignalingMessageBytes           = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond      = 50
	DefaultSignalingSendQueueLen              = 256
	DefaultFanoutBackend                      = FanoutMemory
	DefaultFanoutAMQPExchange                 = "aero.signaling"

	DefaultTURNRESTTTLSeconds     int64 = 3600
	DefaultTURNRESTUsernamePrefix       = "aero"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type FanoutBackend string

const (
	FanoutMemory FanoutBackend = "memory"
	FanoutAMQP   FanoutBackend = "amqp"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	DefaultRoomID  string
	RoomPolicies   *RoomPolicies
	RoomPolicyFile string

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	// MaxSignalingBytesPerSecond of 0 disables the inbound byte budget.
	MaxSignalingBytesPerSecond int
	SignalingSendQueueLen      int

	FanoutBackend      FanoutBackend
	FanoutAMQPURL      string
	FanoutAMQPExchange string

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports a broken ICE server configuration. It does not fail
// Load: signaling works without ICE servers, so the HTTP layer reports it on
// /webrtc/ice and /readyz instead.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))

	envLogFormat := envOrDefault(lookup, envVarLogFormat, "")
	logFormatDefault := envLogFormat
	if logFormatDefault == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}
	envLogLevel := envOrDefault(lookup, envVarLogLevel, "")
	logLevelDefault := envLogLevel
	if logLevelDefault == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	defaultRoomID := envOrDefault(lookup, envVarDefaultRoomID, protocol.DefaultRoomID)
	defaultRoomPolicyStr := envOrDefault(lookup, envVarDefaultRoomPolicy, string(DefaultRoomPolicy))
	roomPolicyFile := envOrDefault(lookup, envVarRoomPolicyFile, "")
	fanoutBackendStr := envOrDefault(lookup, envVarFanoutBackend, string(DefaultFanoutBackend))
	fanoutAMQPURL := envOrDefault(lookup, envVarFanoutAMQPURL, "")
	fanoutAMQPExchange := envOrDefault(lookup, envVarFanoutAMQPExchange, DefaultFanoutAMQPExchange)

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	turnRESTTTLSeconds, err := envInt64OrDefault(lookup, envVarTURNRESTTTLSeconds, DefaultTURNRESTTTLSeconds)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes, err := envInt64OrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxSignalingBytesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingBytesPerSecond, 0)
	if err != nil {
		return Config{}, err
	}
	signalingSendQueueLen, err := envIntOrDefault(lookup, envVarSignalingSendQueueLen, DefaultSignalingSendQueueLen)
	if err != nil {
		return Config{}, err
	}

	fs := pflag.NewFlagSet("aero-webrtc-signaling", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var modeStr, logFormatStr, logLevelStr string

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated allowed browser origins; empty means same host only (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")

	fs.StringVar(&defaultRoomID, "default-room-id", defaultRoomID, "Room joined when a join omits roomId (env "+envVarDefaultRoomID+")")
	fs.StringVar(&defaultRoomPolicyStr, "default-room-policy", defaultRoomPolicyStr, "Policy for new rooms: paired or broadcast (env "+envVarDefaultRoomPolicy+")")
	fs.StringVar(&roomPolicyFile, "room-policy-file", roomPolicyFile, "YAML file with per-room policy overrides (env "+envVarRoomPolicyFile+")")

	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Ping interval for signaling WebSocket connections; must be < idle timeout (env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling messages per second per connection (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&maxSignalingBytesPerSecond, "max-signaling-bytes-per-second", maxSignalingBytesPerSecond, "Max inbound signaling bytes per second per connection, 0 for unlimited (env "+envVarMaxSignalingBytesPerSecond+")")
	fs.IntVar(&signalingSendQueueLen, "signaling-send-queue-len", signalingSendQueueLen, "Outbound messages buffered per connection before it is dropped as a slow consumer (env "+envVarSignalingSendQueueLen+")")

	fs.StringVar(&fanoutBackendStr, "fanout-backend", fanoutBackendStr, "Broadcast fanout backend: memory or amqp (env "+envVarFanoutBackend+")")
	fs.StringVar(&fanoutAMQPURL, "fanout-amqp-url", fanoutAMQPURL, "RabbitMQ URL for the amqp fanout backend (env "+envVarFanoutAMQPURL+")")
	fs.StringVar(&fanoutAMQPExchange, "fanout-amqp-exchange", fanoutAMQPExchange, "RabbitMQ exchange for the amqp fanout backend (env "+envVarFanoutAMQPExchange+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret (env "+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds (env "+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix (env "+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	// A mode given only on the command line still picks the mode's log
	// defaults unless format or level were set explicitly.
	if envLogFormat == "" && !fs.Changed("log-format") {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if envLogLevel == "" && !fs.Changed("log-level") {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Config{}, errors.New("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	defaultRoomID = strings.TrimSpace(defaultRoomID)
	if defaultRoomID == "" || len(defaultRoomID) > rooms.DefaultMaxIDLength {
		return Config{}, fmt.Errorf("%s/--default-room-id must be 1..%d bytes", envVarDefaultRoomID, rooms.DefaultMaxIDLength)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if maxSignalingBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-bytes-per-second must be >= 0", envVarMaxSignalingBytesPerSecond)
	}
	if signalingSendQueueLen <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-send-queue-len must be > 0", envVarSignalingSendQueueLen)
	}

	fanoutBackend, err := parseFanoutBackend(fanoutBackendStr)
	if err != nil {
		return Config{}, err
	}
	if fanoutBackend == FanoutAMQP && strings.TrimSpace(fanoutAMQPURL) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarFanoutAMQPURL, envVarFanoutBackend, FanoutAMQP)
	}

	if strings.TrimSpace(turnRESTSharedSecret) != "" {
		if turnRESTTTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	defaultRoomPolicy, err := rooms.ParseMode(defaultRoomPolicyStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--default-room-policy: %w", envVarDefaultRoomPolicy, err)
	}
	roomPolicies := NewRoomPolicies(defaultRoomPolicy)
	if strings.TrimSpace(roomPolicyFile) != "" {
		roomPolicies, err = LoadRoomPolicies(roomPolicyFile, defaultRoomPolicy, fs.Changed("default-room-policy") || envOrDefault(lookup, envVarDefaultRoomPolicy, "") != "")
		if err != nil {
			return Config{}, fmt.Errorf("%s/--room-policy-file: %w", envVarRoomPolicyFile, err)
		}
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		DefaultRoomID:  defaultRoomID,
		RoomPolicies:   roomPolicies,
		RoomPolicyFile: roomPolicyFile,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		MaxSignalingBytesPerSecond:    maxSignalingBytesPerSecond,
		SignalingSendQueueLen:         signalingSendQueueLen,

		FanoutBackend:      fanoutBackend,
		FanoutAMQPURL:      strings.TrimSpace(fanoutAMQPURL),
		FanoutAMQPExchange: fanoutAMQPExchange,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
		},
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, cfg.TURNREST.Enabled())
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}
	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

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
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
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

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
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

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
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
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseFanoutBackend(raw string) (FanoutBackend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(FanoutMemory), "":
		return FanoutMemory, nil
	case string(FanoutAMQP), "rabbitmq":
		return FanoutAMQP, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarFanoutBackend, raw, FanoutMemory, FanoutAMQP)
	}
}

// parseAllowedOrigins validates the list up front so a typo fails startup
// rather than every browser connection.
func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		out = append(out, entry)
	}
	if _, err := origin.NewPolicy(out); err != nil {
		return nil, err
	}
	return out, nil
}
