package notify

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

// Notification is a push message addressed to one account.
type Notification struct {
	UserID snowflake.ID
	Title  string
	Body   string
	Data   map[string]any
}

// Notifier delivers push notifications. Delivery is fire-and-forget:
// implementations must never block the caller and failures are logged,
// not propagated.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier records notifications to the application log. It stands in
// for the external push gateway in development and tests.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Notification) {
	_ = ctx
	n.log.Info("push notification",
		zap.String("user_id", msg.UserID.String()),
		zap.String("title", msg.Title),
		zap.String("body", msg.Body),
		zap.Any("data", msg.Data),
	)
}

var _ Notifier = (*LogNotifier)(nil)
