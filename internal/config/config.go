package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "ANYTALK_LISTEN_ADDR"
	envVarPort            = "PORT"
	envVarMode            = "ANYTALK_MODE"
	envVarLogFormat       = "ANYTALK_LOG_FORMAT"
	envVarLogLevel        = "ANYTALK_LOG_LEVEL"
	envVarShutdownTimeout = "ANYTALK_SHUTDOWN_TIMEOUT"

	// Gateway admission + WebSocket hardening.
	envVarAuthMode             = "AUTH_MODE"
	envVarAPIKey               = "API_KEY"
	envVarAuthTimeout          = "WS_AUTH_TIMEOUT"
	envVarWSIdleTimeout        = "WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "WS_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "WS_MAX_MESSAGES_PER_SECOND"

	// Relay credential provisioning.
	envVarCloudflareTURNKeyID = "CLOUDFLARE_TURN_KEY_ID"
	envVarCloudflareAPIToken  = "CLOUDFLARE_API_TOKEN"
	envVarTURNCredentialTTL   = "TURN_CREDENTIAL_TTL_SECONDS"
	envVarICERequestTimeout   = "ICE_REQUEST_TIMEOUT"
	envVarStaticTURNURL       = "TURN_URL"
	envVarStaticTURNUsername  = "TURN_USERNAME"
	envVarStaticTURNPassword  = "TURN_PASSWORD"

	// Out-of-band wake notifications.
	envVarPushCredentialsFile = "FCM_CREDENTIALS_FILE"
	envVarPushSendTimeout     = "PUSH_SEND_TIMEOUT"
	envVarPushAPNSTopic       = "PUSH_APNS_TOPIC"
	envVarPushAppName         = "PUSH_APP_NAME"
	envVarPushAvatarURL       = "PUSH_AVATAR_URL"
)

const (
	DefaultListenAddr           = "127.0.0.1:3000"
	DefaultShutdown             = 15 * time.Second
	DefaultAuthTimeout          = 2 * time.Second
	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSec    = 50
	DefaultTURNCredentialTTL    = int64(86400) // 24 hours
	DefaultICERequestTimeout    = 5 * time.Second
	DefaultPushSendTimeout      = 10 * time.Second
	DefaultPushAPNSTopic        = "com.anytalk.client"
	DefaultPushAppName          = "AnyTalk"
	DefaultPushAvatarURL        = "https://i.pravatar.cc/100"
	DefaultMode            Mode = ModeDev

	DefaultAuthMode AuthMode = AuthModeAPIKey
)

// DefaultPushCredentialPaths are checked in order; the first existing file
// wins. The /etc/secrets path is where managed deployments mount secret files.
var DefaultPushCredentialPaths = []string{
	"/etc/secrets/serviceAccountKey.json",
	"./serviceAccountKey.json",
}

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

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

// CloudflareTURNConfig configures the dynamic short-lived TURN credential
// issuer. The issuer is enabled only when both fields are present.
type CloudflareTURNConfig struct {
	KeyID      string
	APIToken   string
	TTLSeconds int64
}

func (c CloudflareTURNConfig) Enabled() bool {
	return strings.TrimSpace(c.KeyID) != "" && strings.TrimSpace(c.APIToken) != ""
}

// StaticTURNConfig is the fixed, non-expiring TURN fallback. It is consulted
// only when the Cloudflare issuer is not configured.
type StaticTURNConfig struct {
	URL      string
	Username string
	Password string
}

func (c StaticTURNConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	AuthMode AuthMode
	APIKey   string

	AuthTimeout          time.Duration
	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	CloudflareTURN    CloudflareTURNConfig
	StaticTURN        StaticTURNConfig
	ICERequestTimeout time.Duration

	// PushCredentialPaths are candidate service-account key file locations,
	// checked in order. An empty slice disables the wake notification path.
	PushCredentialPaths []string
	PushSendTimeout     time.Duration
	PushAPNSTopic       string
	PushAppName         string
	PushAvatarURL       string
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, "")
	if listenAddr == "" {
		// PORT is the conventional knob on managed platforms; bind all
		// interfaces when only a port is given.
		if port, ok := lookup(envVarPort); ok && strings.TrimSpace(port) != "" {
			listenAddr = ":" + strings.TrimSpace(port)
		} else {
			listenAddr = DefaultListenAddr
		}
	}

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	authModeDefault := string(DefaultAuthMode)
	if raw, ok := lookup(envVarAuthMode); ok && strings.TrimSpace(raw) != "" {
		authModeDefault = strings.TrimSpace(raw)
	}
	apiKey := envOrDefault(lookup, envVarAPIKey, "")

	authTimeout, err := envDurationOrDefault(lookup, envVarAuthTimeout, DefaultAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSec)
	if err != nil {
		return Config{}, err
	}

	cloudflareKeyID := envOrDefault(lookup, envVarCloudflareTURNKeyID, "")
	cloudflareAPIToken := envOrDefault(lookup, envVarCloudflareAPIToken, "")
	turnCredentialTTL := DefaultTURNCredentialTTL
	if raw, ok := lookup(envVarTURNCredentialTTL); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNCredentialTTL, raw, err)
		}
		turnCredentialTTL = n
	}
	iceRequestTimeout, err := envDurationOrDefault(lookup, envVarICERequestTimeout, DefaultICERequestTimeout)
	if err != nil {
		return Config{}, err
	}

	staticTURNURL := envOrDefault(lookup, envVarStaticTURNURL, "")
	staticTURNUsername := envOrDefault(lookup, envVarStaticTURNUsername, "")
	staticTURNPassword := envOrDefault(lookup, envVarStaticTURNPassword, "")

	pushCredentialPaths := DefaultPushCredentialPaths
	if raw, ok := lookup(envVarPushCredentialsFile); ok && strings.TrimSpace(raw) != "" {
		pushCredentialPaths = []string{strings.TrimSpace(raw)}
	}
	pushSendTimeout, err := envDurationOrDefault(lookup, envVarPushSendTimeout, DefaultPushSendTimeout)
	if err != nil {
		return Config{}, err
	}
	pushAPNSTopic := envOrDefault(lookup, envVarPushAPNSTopic, DefaultPushAPNSTopic)
	pushAppName := envOrDefault(lookup, envVarPushAppName, DefaultPushAppName)
	pushAvatarURL := envOrDefault(lookup, envVarPushAvatarURL, DefaultPushAvatarURL)

	fs := flag.NewFlagSet("anytalk-signaling", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Connection admission mode: none or api_key (env "+envVarAuthMode+")")
	fs.DurationVar(&authTimeout, "ws-auth-timeout", authTimeout, "Time allowed for the auth handshake on new connections (env "+envVarAuthTimeout+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle WebSocket connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Ping interval on WebSocket connections (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "ws-max-message-bytes", maxMessageBytes, "Max inbound WebSocket message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "ws-max-messages-per-second", maxMessagesPerSecond, "Max inbound WebSocket messages per second per connection (env "+envVarMaxMessagesPerSecond+")")

	fs.StringVar(&cloudflareKeyID, "cloudflare-turn-key-id", cloudflareKeyID, "Cloudflare TURN key ID (env "+envVarCloudflareTURNKeyID+")")
	fs.StringVar(&cloudflareAPIToken, "cloudflare-api-token", cloudflareAPIToken, "Cloudflare API token for TURN credential issuance (env "+envVarCloudflareAPIToken+")")
	fs.Int64Var(&turnCredentialTTL, "turn-credential-ttl-seconds", turnCredentialTTL, "TTL requested for issued TURN credentials (env "+envVarTURNCredentialTTL+")")
	fs.DurationVar(&iceRequestTimeout, "ice-request-timeout", iceRequestTimeout, "Timeout for TURN credential issuer requests (env "+envVarICERequestTimeout+")")
	fs.StringVar(&staticTURNURL, "turn-url", staticTURNURL, "Static fallback TURN URL (env "+envVarStaticTURNURL+")")
	fs.StringVar(&staticTURNUsername, "turn-username", staticTURNUsername, "Static fallback TURN username (env "+envVarStaticTURNUsername+")")
	fs.StringVar(&staticTURNPassword, "turn-password", staticTURNPassword, "Static fallback TURN password (env "+envVarStaticTURNPassword+")")

	fs.DurationVar(&pushSendTimeout, "push-send-timeout", pushSendTimeout, "Timeout for wake notification delivery (env "+envVarPushSendTimeout+")")
	fs.StringVar(&pushAPNSTopic, "push-apns-topic", pushAPNSTopic, "APNs topic for background wake pushes (env "+envVarPushAPNSTopic+")")
	fs.StringVar(&pushAppName, "push-app-name", pushAppName, "Application name included in wake pushes (env "+envVarPushAppName+")")
	fs.StringVar(&pushAvatarURL, "push-avatar-url", pushAvatarURL, "Avatar URL included in wake pushes (env "+envVarPushAvatarURL+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
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
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}
	if authTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-auth-timeout must be > 0", envVarAuthTimeout)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0", envVarWSPingInterval)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be < %s/--ws-idle-timeout", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-max-messages-per-second must be > 0", envVarMaxMessagesPerSecond)
	}
	if turnCredentialTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--turn-credential-ttl-seconds must be > 0", envVarTURNCredentialTTL)
	}
	if iceRequestTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-request-timeout must be > 0", envVarICERequestTimeout)
	}
	if pushSendTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--push-send-timeout must be > 0", envVarPushSendTimeout)
	}
	if staticTURNURL != "" && (strings.TrimSpace(staticTURNUsername) == "" || strings.TrimSpace(staticTURNPassword) == "") {
		return Config{}, fmt.Errorf("%s and %s must both be set when %s is set", envVarStaticTURNUsername, envVarStaticTURNPassword, envVarStaticTURNURL)
	}

	return Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,

		AuthMode: authMode,
		APIKey:   apiKey,

		AuthTimeout:          authTimeout,
		WSIdleTimeout:        wsIdleTimeout,
		WSPingInterval:       wsPingInterval,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,

		CloudflareTURN: CloudflareTURNConfig{
			KeyID:      cloudflareKeyID,
			APIToken:   cloudflareAPIToken,
			TTLSeconds: turnCredentialTTL,
		},
		StaticTURN: StaticTURNConfig{
			URL:      staticTURNURL,
			Username: staticTURNUsername,
			Password: staticTURNPassword,
		},
		ICERequestTimeout: iceRequestTimeout,

		PushCredentialPaths: pushCredentialPaths,
		PushSendTimeout:     pushSendTimeout,
		PushAPNSTopic:       pushAPNSTopic,
		PushAppName:         pushAppName,
		PushAvatarURL:       pushAvatarURL,
	}, nil
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

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	default:
		return "", fmt.Errorf("invalid auth mode %q (expected none or api_key)", raw)
	}
}
