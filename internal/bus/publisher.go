package bus

import (
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// SessionPublisher forwards session events onto per-session subjects.
type SessionPublisher struct {
	client *Client
}

func NewSessionPublisher(client *Client) *SessionPublisher {
	return &SessionPublisher{client: client}
}

// Publish is fire-and-forget; failures are logged and dropped.
func (p *SessionPublisher) Publish(event protocol.SessionEvent) {
	if p == nil || !p.client.Healthy() {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.client.Logger().Warn("failed to encode session event", slog.String("error", err.Error()))
		return
	}
	subject := protocol.SessionSubject(event.SessionID, event.Type)
	if err := p.client.Conn().Publish(subject, data); err != nil {
		p.client.Logger().Warn("failed to publish session event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}
