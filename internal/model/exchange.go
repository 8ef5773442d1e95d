package model

import "encoding/json"

// Location is the coarse server-side location estimate attached to a hit.
// Derived from the client IP; never more precise than city level.
type Location struct {
	City    string `json:"city,omitempty"`
	Region  string `json:"region,omitempty"`
	Country string `json:"country,omitempty"`
	IP      string `json:"ip,omitempty"`
	// IsVPN is set when the source is flagged as VPN, hosting, proxy or Tor.
	// A flagged location is untrustworthy as a proximity signal.
	IsVPN bool `json:"isVpn,omitempty"`
}

// PendingExchange is one stored hit awaiting correlation. Keyed by session id
// in the rendezvous store; expires via TTL when never matched.
type PendingExchange struct {
	SessionID       string          `json:"sessionId"`
	UserID          string          `json:"userId"`
	Profile         json.RawMessage `json:"profile,omitempty"`
	ServerTimestamp int64           `json:"serverTimestamp"` // unix ms
	Location        *Location       `json:"location,omitempty"`
	Magnitude       float64         `json:"magnitude"`
	SharingCategory SharingCategory `json:"sharingCategory"`

	// Tentative symmetric pairing. Either both sides carry the edge or
	// neither does.
	PendingMatchWith      *string `json:"pendingMatchWith,omitempty"`
	PendingMatchCreatedAt *int64  `json:"pendingMatchCreatedAt,omitempty"` // unix ms
}

// HasPendingMatch reports whether this hit holds a tentative pairing edge.
func (p *PendingExchange) HasPendingMatch() bool {
	return p.PendingMatchWith != nil
}

// ClearPendingMatch severs the tentative pairing edge on this side.
func (p *PendingExchange) ClearPendingMatch() {
	p.PendingMatchWith = nil
	p.PendingMatchCreatedAt = nil
}

type MatchStatus string

// A match record only exists once both pending sides have been atomically
// consumed; a tentative pairing lives as edges on the pending records, never
// as a match row. Every stored match is therefore already matched.
const MatchStatusMatched MatchStatus = "matched"

// ExchangeMatch is a confirmed pairing between two sessions. Immutable after
// creation; referenced by two reverse-lookup entries so either side can
// discover it by its own session id.
type ExchangeMatch struct {
	Token            string          `json:"token"`
	SessionA         string          `json:"sessionA"`
	SessionB         string          `json:"sessionB"`
	UserA            string          `json:"userA"`
	UserB            string          `json:"userB"`
	SharingCategoryA SharingCategory `json:"sharingCategoryA"`
	SharingCategoryB SharingCategory `json:"sharingCategoryB"`
	Timestamp        int64           `json:"timestamp"` // unix ms
	Status           MatchStatus     `json:"status"`
}

// Other returns the opposite session id, or "" when sessionID is not a
// participant.
func (m *ExchangeMatch) Other(sessionID string) string {
	switch sessionID {
	case m.SessionA:
		return m.SessionB
	case m.SessionB:
		return m.SessionA
	}
	return ""
}
