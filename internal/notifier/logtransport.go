package notifier

import (
	"context"

	logx "tgdigest/pkg/logx"
)

// LogTransport writes notifications to the log instead of delivering them.
// It backs dry runs and setups without a mail server.
type LogTransport struct {
	Log logx.Logger
}

func (LogTransport) Name() string { return "log" }

func (t LogTransport) Send(ctx context.Context, recipient string, m Mail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.Log.Info("notification", logx.String("to", recipient), logx.String("subject", m.Subject), logx.String("body", m.Text))
	return nil
}
