package sse

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/nektus/exchange-server-go/internal/model"
)

// MatchNotifier pushes a match-found event to both participating sessions.
// Each side learns only its own token and which half of the pairing it is.
type MatchNotifier struct {
	broker *Broker
}

func NewMatchNotifier(broker *Broker) *MatchNotifier {
	return &MatchNotifier{broker: broker}
}

type matchFoundPayload struct {
	Token  string `json:"token"`
	YouAre string `json:"youAre"`
}

func (n *MatchNotifier) NotifyMatch(ctx context.Context, m *model.ExchangeMatch) {
	n.publish(ctx, m.SessionA, matchFoundPayload{Token: m.Token, YouAre: "A"})
	n.publish(ctx, m.SessionB, matchFoundPayload{Token: m.Token, YouAre: "B"})
}

func (n *MatchNotifier) publish(ctx context.Context, sessionID string, payload matchFoundPayload) {
	data, _ := json.Marshal(payload)
	if err := n.broker.Publish(ctx, sessionID, Event{Type: "match-found", Data: data}); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to publish match event")
	}
}
