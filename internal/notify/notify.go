// Package notify defines the outbound alerting interface and a
// zerolog-backed implementation. Rate limiting is the caller's
// responsibility, per the external interface contract.
package notify

import "github.com/rs/zerolog/log"

// Notifier is the outbound alerting interface.
type Notifier interface {
	SendMessage(text string)
	SendErrorAlert(text string)
	SendConnectivityAlert(service string, up bool, detail string)
}

// LogNotifier logs every notification through zerolog. It is the
// default Notifier when no external channel (Telegram, webhook, etc.)
// is configured.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) SendMessage(text string) {
	log.Info().Str("channel", "notify").Msg(text)
}

func (n *LogNotifier) SendErrorAlert(text string) {
	log.Error().Str("channel", "notify").Msg(text)
}

func (n *LogNotifier) SendConnectivityAlert(service string, up bool, detail string) {
	event := log.Warn()
	if up {
		event = log.Info()
	}
	event.Str("channel", "notify").Str("service", service).Bool("up", up).Str("detail", detail).
		Msg("connectivity alert")
}
