package main

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/rooms"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.RoomPolicies != nil && cfg.RoomPolicies.Default() == rooms.ModeBroadcast {
		logger.Warn("startup security warning: DEFAULT_ROOM_POLICY=broadcast while --mode=prod (rooms have no member limit)",
			"warning_code", "default_room_policy_broadcast_in_prod",
			"default_room_policy", cfg.RoomPolicies.Default(),
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (every queued frame is held in memory per connection)",
			"warning_code", "max_signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if !cfg.TURNREST.Enabled() && hasStaticTURNCredentials(cfg) {
		logger.Warn("startup security warning: static TURN credentials are served to every browser on /webrtc/ice (prefer TURN_REST_SHARED_SECRET)",
			"warning_code", "static_turn_credentials",
			"mode", cfg.Mode,
		)
	}

	if cfg.FanoutBackend == config.FanoutAMQP && cfg.Mode == config.ModeProd && strings.HasPrefix(strings.ToLower(cfg.FanoutAMQPURL), "amqp://") {
		logger.Warn("startup security warning: FANOUT_AMQP_URL is not TLS while --mode=prod (signaling payloads cross the broker in clear text)",
			"warning_code", "fanout_amqp_plaintext_in_prod",
			"fanout_amqp_host", safeURLHost(cfg.FanoutAMQPURL),
			"mode", cfg.Mode,
		)
	}
}

func hasStaticTURNCredentials(cfg config.Config) bool {
	for _, s := range cfg.ICEServers {
		if s.Credential == nil {
			continue
		}
		for _, u := range s.URLs {
			u = strings.ToLower(u)
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

// safeURLHost drops credentials and path from a URL for logging.
func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
