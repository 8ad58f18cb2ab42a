// Package channels delivers notification text to chat destinations.
//
// A Sink knows one platform. The Router picks the sink from the
// destination string: "webhook:https://..." goes to the sink registered as
// "webhook", a bare id such as "385402385" goes to the default sink.
//
//	cw := channels.NewChatWork(channels.ChatWorkConfig{Token: token}, logger)
//	r := channels.NewRouter(cw, logger)
//	r.Register(channels.NewWebhook(channels.WebhookConfig{Secret: s}, logger))
//	err := r.Send(ctx, msg, "385402385")
package channels

import (
	"context"
	"strings"
)

// Sink sends a plain-text message to one destination on one platform.
type Sink interface {
	// Name is the scheme the sink is registered under ("chatwork").
	Name() string
	// Send delivers text to destination, which is the platform id with the
	// scheme already removed.
	Send(ctx context.Context, text, destination string) error
}

// invalidRoom reports ids that come from empty spreadsheet cells.
func invalidRoom(id string) bool {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "", "nan", "none":
		return true
	}
	return false
}
