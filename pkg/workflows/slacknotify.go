package workflows

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// SlackNotifier delivers chat notifications through the Slack API.
// Nil-safe: all methods are no-ops when the notifier is nil.
type SlackNotifier struct {
	api       *goslack.Client
	channelID string
	logger    *slog.Logger
}

// NewSlackNotifier creates a notifier. Returns nil if token or channel is
// empty, which disables Slack delivery without special-casing callers.
func NewSlackNotifier(token, channelID string) *SlackNotifier {
	if token == "" || channelID == "" {
		return nil
	}
	return &SlackNotifier{
		api:       goslack.New(token),
		channelID: channelID,
		logger:    slog.Default().With("component", "slack-notifier"),
	}
}

// NewSlackNotifierWithAPIURL targets a custom API URL. Testing only.
func NewSlackNotifierWithAPIURL(token, channelID, apiURL string) *SlackNotifier {
	return &SlackNotifier{
		api:       goslack.New(token, goslack.OptionAPIURL(apiURL)),
		channelID: channelID,
		logger:    slog.Default().With("component", "slack-notifier"),
	}
}

// Post sends one incident notification to the configured channel.
// Fail-open: errors are logged, never returned.
func (n *SlackNotifier) Post(ctx context.Context, incidentID, severity, message string) {
	if n == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	blocks := []goslack.Block{
		goslack.NewHeaderBlock(goslack.NewTextBlockObject(
			goslack.PlainTextType, fmt.Sprintf("Vigil incident %s", incidentID), false, false)),
		goslack.NewSectionBlock(goslack.NewTextBlockObject(
			goslack.MarkdownType, fmt.Sprintf("*Severity:* %s\n%s", severity, message), false, false), nil, nil),
	}

	_, _, err := n.api.PostMessageContext(ctx, n.channelID, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		n.logger.Error("chat.postMessage failed", "incident_id", incidentID, "error", err)
	}
}
