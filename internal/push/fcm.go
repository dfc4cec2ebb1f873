package push

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/anytalk/signaling/internal/config"
)

// messageSender is the slice of the FCM client the notifier needs; it exists
// so tests can exercise FCMNotifier without Firebase credentials.
type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type FCMNotifier struct {
	log    *slog.Logger
	client messageSender

	appName   string
	avatarURL string
	apnsTopic string
}

// NewFCMNotifier initializes the FCM client from the first service-account
// key file found among cfg.PushCredentialPaths. A missing key file or an init
// failure is not fatal: it returns the Disabled notifier so the process keeps
// serving live relays and credentials without the wake path.
func NewFCMNotifier(ctx context.Context, cfg config.Config, logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}

	path := firstExistingFile(cfg.PushCredentialPaths)
	if path == "" {
		logger.Warn("push provider credentials not found; wake notifications disabled",
			"searched", cfg.PushCredentialPaths,
		)
		return Disabled{}
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(path))
	if err != nil {
		logger.Warn("push provider initialization failed; wake notifications disabled",
			"credentials_file", path,
			"err", err,
		)
		return Disabled{}
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		logger.Warn("push provider messaging client failed; wake notifications disabled",
			"credentials_file", path,
			"err", err,
		)
		return Disabled{}
	}

	logger.Info("push provider initialized", "credentials_file", path)
	return &FCMNotifier{
		log:       logger,
		client:    client,
		appName:   cfg.PushAppName,
		avatarURL: cfg.PushAvatarURL,
		apnsTopic: cfg.PushAPNSTopic,
	}
}

func (n *FCMNotifier) SendWake(ctx context.Context, w Wake) error {
	if w.DeviceToken == "" {
		return fmt.Errorf("wake notification missing device token")
	}

	_, err := n.client.Send(ctx, n.buildMessage(w))
	if err != nil {
		return fmt.Errorf("send wake notification: %w", err)
	}
	return nil
}

// buildMessage frames the wake as a silent, high-urgency data push: no
// user-visible notification body, Android high priority with zero TTL, APNs
// background content-available delivery. The receiving application presents
// the incoming call itself.
func (n *FCMNotifier) buildMessage(w Wake) *messaging.Message {
	zeroTTL := time.Duration(0)
	return &messaging.Message{
		Token: w.DeviceToken,
		Data: map[string]string{
			"type":       w.Kind,
			"target":     w.Target,
			"sender":     w.Sender,
			"sdp":        w.Description,
			"type_val":   w.DescriptionType,
			"uuid":       w.CallID,
			"nameCaller": w.Sender,
			"appName":    n.appName,
			"handle":     w.Sender,
			"avatar":     n.avatarURL,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &zeroTTL,
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-push-type": "background",
				"apns-priority":  "5",
				"apns-topic":     n.apnsTopic,
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{ContentAvailable: true},
			},
		},
	}
}

func firstExistingFile(paths []string) string {
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}
