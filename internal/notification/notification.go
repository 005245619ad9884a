package notification

import (
	"context"
	"log/slog"

	"github.com/dagz55/gotryke-auth/internal/logging"
)

const (
	// KindOTP carries a one-time verification code.
	KindOTP = "otp"
	// KindPINChanged tells the subscriber their PIN was changed or reset.
	KindPINChanged = "pin_changed"
)

// Message describes an SMS payload.
type Message struct {
	Kind        string
	Destination string
	Body        string
}

// Notifier delivers SMS messages to subscribers.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes messages to the logger instead of an SMS gateway.
// Only suitable for development: OTP bodies are logged in clear.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("sms notification",
		slog.String("kind", message.Kind),
		slog.String("destination", logging.MaskPhone(message.Destination)),
		slog.String("body", message.Body),
	)
	return nil
}
