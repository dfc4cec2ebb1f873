package main

import (
	"log/slog"

	"github.com/anytalk/signaling/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config, pushEnabled bool) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if !pushEnabled {
		logger.Warn("startup warning: push notifications are disabled; backgrounded callees will miss incoming offers",
			"warning_code", "push_disabled",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !cfg.CloudflareTURN.Enabled() && !cfg.StaticTURN.Enabled() {
		logger.Warn("startup warning: no TURN configured while --mode=prod; peers behind symmetric NAT cannot connect",
			"warning_code", "no_turn_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: WS_MAX_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "ws_max_message_large",
			"ws_max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}
}
