package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nektus/exchange-server-go/internal/config"
	"github.com/nektus/exchange-server-go/internal/model"
)

// ConfidenceTier is a coarseness level of geographic agreement between two
// hits. Each tier allows a different matching time window: the more specific
// the agreement, the more timing slack two reports get.
type ConfidenceTier string

const (
	TierCity    ConfidenceTier = "city"
	TierState   ConfidenceTier = "state"
	TierOctet   ConfidenceTier = "octet"
	TierVPN     ConfidenceTier = "vpn"
	TierNoMatch ConfidenceTier = "no_match"
)

type Confidence struct {
	Tier       ConfidenceTier
	TimeWindow time.Duration
}

var tierWindows = map[ConfidenceTier]time.Duration{
	TierCity:    500 * time.Millisecond,
	TierState:   400 * time.Millisecond,
	TierOctet:   300 * time.Millisecond,
	TierVPN:     200 * time.Millisecond,
	TierNoMatch: 0,
}

// tierRank orders tiers most to least specific for match selection.
func tierRank(t ConfidenceTier) int {
	switch t {
	case TierCity:
		return 4
	case TierState:
		return 3
	case TierOctet:
		return 2
	case TierVPN:
		return 1
	}
	return 0
}

type GeoService struct {
	client  *http.Client
	baseURL string
}

// NewGeoService builds the resolver. baseURL points at an ip-api style
// lookup endpoint; empty disables lookups and every hit degrades to the
// first-candidate fallback.
func NewGeoService(baseURL string) *GeoService {
	return &GeoService{
		client: &http.Client{
			Timeout: config.GeoLookupTimeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Confidence compares two coarse locations and returns the tier plus the
// time window allowed for that tier. A VPN flag on either side
// short-circuits every other signal: the apparent location of a VPN endpoint
// says nothing about physical proximity.
func (s *GeoService) Confidence(a, b *model.Location) Confidence {
	if a.IsVPN || b.IsVPN {
		return Confidence{Tier: TierVPN, TimeWindow: tierWindows[TierVPN]}
	}

	if a.Country != "" && strings.EqualFold(a.Country, b.Country) {
		if a.City != "" && a.Region != "" &&
			strings.EqualFold(a.City, b.City) && strings.EqualFold(a.Region, b.Region) {
			return Confidence{Tier: TierCity, TimeWindow: tierWindows[TierCity]}
		}
		if a.Region != "" && strings.EqualFold(a.Region, b.Region) {
			return Confidence{Tier: TierState, TimeWindow: tierWindows[TierState]}
		}
	}

	if oa, ob := firstOctet(a.IP), firstOctet(b.IP); oa != "" && oa == ob {
		return Confidence{Tier: TierOctet, TimeWindow: tierWindows[TierOctet]}
	}

	return Confidence{Tier: TierNoMatch, TimeWindow: 0}
}

type geoLookupResponse struct {
	Status  string `json:"status"`
	City    string `json:"city"`
	Region  string `json:"regionName"`
	Country string `json:"country"`
	Query   string `json:"query"`
	Proxy   bool   `json:"proxy"`
	Hosting bool   `json:"hosting"`
}

// Lookup resolves a client IP to a coarse location. Callers treat a failure
// as "no location": matching degrades rather than failing the hit.
func (s *GeoService) Lookup(ctx context.Context, ip string) (*model.Location, error) {
	if s.baseURL == "" {
		return nil, fmt.Errorf("geo lookup disabled")
	}

	url := fmt.Sprintf("%s/%s", s.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create geo request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo lookup: status %d", resp.StatusCode)
	}

	var body geoLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode geo response: %w", err)
	}
	if body.Status != "" && body.Status != "success" {
		return nil, fmt.Errorf("geo lookup: status %q", body.Status)
	}

	loc := &model.Location{
		City:    body.City,
		Region:  body.Region,
		Country: body.Country,
		IP:      body.Query,
		IsVPN:   body.Proxy || body.Hosting,
	}
	if loc.IP == "" {
		loc.IP = ip
	}

	log.Debug().
		Str("ip", ip).
		Str("city", loc.City).
		Bool("vpn", loc.IsVPN).
		Msg("geo lookup resolved")

	return loc, nil
}

func firstOctet(ip string) string {
	if ip == "" {
		return ""
	}
	if i := strings.IndexByte(ip, '.'); i > 0 {
		return ip[:i]
	}
	// IPv6: fall back to the first hextet
	if i := strings.IndexByte(ip, ':'); i > 0 {
		return ip[:i]
	}
	return ""
}
