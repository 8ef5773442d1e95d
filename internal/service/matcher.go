package service

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nektus/exchange-server-go/internal/config"
	apperrors "github.com/nektus/exchange-server-go/internal/errors"
	"github.com/nektus/exchange-server-go/internal/model"
	"github.com/nektus/exchange-server-go/internal/repository"
)

// MatchNotifier pushes a confirmed match toward both participating sessions.
type MatchNotifier interface {
	NotifyMatch(ctx context.Context, m *model.ExchangeMatch)
}

// HitParams is one bump report from a client.
type HitParams struct {
	SessionID       string
	UserID          string
	Profile         []byte
	SharingCategory model.SharingCategory
	ClientTimestamp int64 // unix ms
	Magnitude       float64
	RoundTripMs     int64
	Location        *model.Location
}

type MatchResult struct {
	Matched bool   `json:"matched"`
	Token   string `json:"token,omitempty"`
	YouAre  string `json:"youAre,omitempty"`
	Pending bool   `json:"pending,omitempty"`
}

// MatcherService correlates independently arriving bump reports into
// pairings. Every invocation is stateless; correctness under concurrency
// comes from the repository's atomic operations plus the snapshot/re-scan
// discipline in ReportHit.
type MatcherService struct {
	repo           repository.ExchangeRepository
	geo            *GeoService
	notifier       MatchNotifier
	pendingWindow  time.Duration
	rescanOnRepeat bool
	now            func() time.Time
}

func NewMatcherService(
	repo repository.ExchangeRepository,
	geo *GeoService,
	notifier MatchNotifier,
	rescanOnRepeat bool,
) *MatcherService {
	return &MatcherService{
		repo:           repo,
		geo:            geo,
		notifier:       notifier,
		pendingWindow:  config.PendingMatchWindow,
		rescanOnRepeat: rescanOnRepeat,
		now:            time.Now,
	}
}

// candidateEval is one bucket entry scored against the reporting hit.
type candidateEval struct {
	rec  *model.PendingExchange
	conf Confidence
	diff time.Duration
	// fallback marks the unconditional first-candidate rule: when either
	// side has no location, geography cannot veto the pairing.
	fallback bool
}

// ReportHit stores one bump report and searches the shared bucket for its
// counterpart. Outcomes: an immediate match, a tentative pending pairing, or
// the hit stays in the bucket until a later report or TTL expiry.
func (s *MatcherService) ReportHit(ctx context.Context, p HitParams) (*MatchResult, error) {
	now := s.now()
	serverTS := now.UnixMilli()

	skew := serverTS - p.ClientTimestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Millisecond > config.MaxClockSkew {
		return nil, apperrors.InvalidTimestamp(skew)
	}

	// A client-measured round trip shifts the effective timestamp back by
	// half the trip, bounded so a bogus estimate cannot move a hit far.
	adjust := time.Duration(p.RoundTripMs/2) * time.Millisecond
	if adjust > config.MaxRoundTripAdjust {
		adjust = config.MaxRoundTripAdjust
	}
	if adjust < 0 {
		adjust = 0
	}
	serverTS -= adjust.Milliseconds()

	// A session that already matched keeps getting the same answer.
	if m, err := s.repo.GetMatchBySession(ctx, p.SessionID); err != nil {
		return nil, apperrors.StoreUnavailable(err)
	} else if m != nil {
		return resultFor(m, p.SessionID), nil
	}

	existing, err := s.repo.GetPending(ctx, p.SessionID)
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	isNew := existing == nil

	rec := &model.PendingExchange{
		SessionID:       p.SessionID,
		UserID:          p.UserID,
		Profile:         p.Profile,
		ServerTimestamp: serverTS,
		Location:        p.Location,
		Magnitude:       p.Magnitude,
		SharingCategory: p.SharingCategory,
	}
	if !isNew {
		// Repeat hit from the same device: overwrite data in place but
		// keep any tentative pairing edge it already holds.
		rec.PendingMatchWith = existing.PendingMatchWith
		rec.PendingMatchCreatedAt = existing.PendingMatchCreatedAt
	}

	// Snapshot the bucket before inserting: this set is what the primary
	// scan is allowed to match against.
	snapshot, err := s.loadCandidates(ctx, p.SessionID, nil)
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}

	if isNew {
		if err := s.repo.InsertPending(ctx, rec); err != nil {
			return nil, apperrors.StoreUnavailable(err)
		}
		s.cancelConflictingPendings(ctx, rec, snapshot)
	}

	evals := s.evaluate(rec, snapshot)

	if result, err := s.claimBest(ctx, rec, evals); err != nil || result != nil {
		return result, err
	}

	// Late-arrival re-scan: a counterpart reporting in the gap between the
	// snapshot and our insert saw neither of us; one more read closes that
	// window. Re-reported hits only re-scan when configured to.
	if isNew || s.rescanOnRepeat {
		seen := make(map[string]bool, len(snapshot))
		for _, c := range snapshot {
			seen[c.SessionID] = true
		}
		lateArrivals, err := s.loadCandidates(ctx, p.SessionID, seen)
		if err != nil {
			return nil, apperrors.StoreUnavailable(err)
		}
		if len(lateArrivals) > 0 {
			if result, err := s.claimBest(ctx, rec, s.evaluate(rec, lateArrivals)); err != nil || result != nil {
				return result, err
			}
		}
	}

	if isNew && !rec.HasPendingMatch() {
		if created := s.tryCreatePendingMatch(ctx, rec, snapshot); created {
			return &MatchResult{Matched: false, Pending: true}, nil
		}
	}

	if !isNew {
		if err := s.repo.UpdatePending(ctx, rec); err != nil {
			return nil, apperrors.StoreUnavailable(err)
		}
	}

	log.Debug().
		Str("sessionId", p.SessionID).
		Bool("new", isNew).
		Int("candidates", len(snapshot)).
		Msg("hit stored, no match yet")

	return &MatchResult{Matched: false, Pending: rec.HasPendingMatch()}, nil
}

// loadCandidates reads the bucket and resolves members to records, skipping
// the reporting session and anything in exclude. Ids whose record already
// expired are evicted from the bucket on the way.
func (s *MatcherService) loadCandidates(
	ctx context.Context,
	selfID string,
	exclude map[string]bool,
) ([]*model.PendingExchange, error) {
	members, err := s.repo.BucketMembers(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(members))
	for _, id := range members {
		if id == selfID || exclude[id] {
			continue
		}
		ids = append(ids, id)
	}

	batch, err := s.repo.GetPendingBatch(ctx, ids)
	if err != nil {
		return nil, err
	}

	var stale []string
	out := make([]*model.PendingExchange, 0, len(batch))
	for _, id := range ids {
		if rec, ok := batch[id]; ok {
			out = append(out, rec)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := s.repo.EvictFromBucket(ctx, stale...); err != nil {
			log.Warn().Err(err).Strs("sessionIds", stale).Msg("failed to evict stale bucket entries")
		}
	}

	// Deterministic scan order regardless of set iteration order.
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerTimestamp != out[j].ServerTimestamp {
			return out[i].ServerTimestamp < out[j].ServerTimestamp
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

// cancelConflictingPendings severs tentative pairings whose parties the new
// arrival lands close to. A third device bumping within the pending window is
// a better competing candidate, so the speculative edge must not starve it.
func (s *MatcherService) cancelConflictingPendings(
	ctx context.Context,
	rec *model.PendingExchange,
	candidates []*model.PendingExchange,
) {
	byID := make(map[string]*model.PendingExchange, len(candidates))
	for _, c := range candidates {
		byID[c.SessionID] = c
	}

	for _, cand := range candidates {
		if !cand.HasPendingMatch() {
			continue
		}
		if absDiff(rec.ServerTimestamp, cand.ServerTimestamp) > s.pendingWindow {
			continue
		}

		partnerID := *cand.PendingMatchWith
		cand.ClearPendingMatch()
		updates := []*model.PendingExchange{cand}

		partner := byID[partnerID]
		if partner == nil {
			var err error
			partner, err = s.repo.GetPending(ctx, partnerID)
			if err != nil {
				log.Warn().Err(err).Str("sessionId", partnerID).Msg("failed to load pending partner")
			}
		}
		if partner != nil && partner.HasPendingMatch() && *partner.PendingMatchWith == cand.SessionID {
			partner.ClearPendingMatch()
			updates = append(updates, partner)
		}

		if err := s.repo.UpdatePending(ctx, updates...); err != nil {
			log.Warn().Err(err).Str("sessionId", cand.SessionID).Msg("failed to cancel pending match")
			continue
		}

		log.Info().
			Str("newArrival", rec.SessionID).
			Str("cancelled", cand.SessionID).
			Str("partner", partnerID).
			Msg("pending match cancelled by closer arrival")
	}
}

// evaluate scores candidates and returns the immediate matches, best first:
// higher confidence tier wins, ties broken by smaller time difference. A
// candidate without location on either side matches unconditionally but
// ranks below every tiered match.
func (s *MatcherService) evaluate(rec *model.PendingExchange, candidates []*model.PendingExchange) []candidateEval {
	var evals []candidateEval
	for _, cand := range candidates {
		diff := absDiff(rec.ServerTimestamp, cand.ServerTimestamp)

		if rec.Location == nil || cand.Location == nil {
			evals = append(evals, candidateEval{rec: cand, diff: diff, fallback: true})
			continue
		}

		conf := s.geo.Confidence(rec.Location, cand.Location)
		if conf.Tier == TierNoMatch || diff > conf.TimeWindow {
			continue
		}
		evals = append(evals, candidateEval{rec: cand, conf: conf, diff: diff})
	}

	sort.SliceStable(evals, func(i, j int) bool {
		ri, rj := evalRank(evals[i]), evalRank(evals[j])
		if ri != rj {
			return ri > rj
		}
		return evals[i].diff < evals[j].diff
	})
	return evals
}

func evalRank(e candidateEval) int {
	if e.fallback {
		return 0
	}
	return tierRank(e.conf.Tier)
}

// claimBest walks the ranked immediate matches and commits the first one
// that is still claimable. A failed claim means either the candidate or our
// own record was consumed concurrently; the latter resolves to the match the
// other side already created.
func (s *MatcherService) claimBest(
	ctx context.Context,
	rec *model.PendingExchange,
	evals []candidateEval,
) (*MatchResult, error) {
	for _, eval := range evals {
		cand := eval.rec
		m := &model.ExchangeMatch{
			Token:            uuid.NewString(),
			SessionA:         rec.SessionID,
			SessionB:         cand.SessionID,
			UserA:            rec.UserID,
			UserB:            cand.UserID,
			SharingCategoryA: rec.SharingCategory,
			SharingCategoryB: cand.SharingCategory,
			Timestamp:        s.now().UnixMilli(),
			Status:           model.MatchStatusMatched,
		}

		claimed, err := s.repo.ClaimMatch(ctx, m)
		if err != nil {
			return nil, apperrors.StoreUnavailable(err)
		}
		if !claimed {
			// Our own record may be gone because someone matched us first.
			if own, err := s.repo.GetMatchBySession(ctx, rec.SessionID); err == nil && own != nil {
				return resultFor(own, rec.SessionID), nil
			}
			continue
		}

		s.clearDanglingEdge(ctx, cand, rec.SessionID)

		log.Info().
			Str("token", m.Token).
			Str("sessionA", m.SessionA).
			Str("sessionB", m.SessionB).
			Str("tier", string(eval.conf.Tier)).
			Bool("fallback", eval.fallback).
			Dur("timeDiff", eval.diff).
			Msg("immediate match")

		if s.notifier != nil {
			s.notifier.NotifyMatch(ctx, m)
		}
		return &MatchResult{Matched: true, Token: m.Token, YouAre: "A"}, nil
	}
	return nil, nil
}

// clearDanglingEdge releases a third party whose tentative partner was just
// consumed by a real match.
func (s *MatcherService) clearDanglingEdge(ctx context.Context, matched *model.PendingExchange, otherID string) {
	if !matched.HasPendingMatch() || *matched.PendingMatchWith == otherID {
		return
	}
	third, err := s.repo.GetPending(ctx, *matched.PendingMatchWith)
	if err != nil || third == nil || !third.HasPendingMatch() || *third.PendingMatchWith != matched.SessionID {
		return
	}
	third.ClearPendingMatch()
	if err := s.repo.UpdatePending(ctx, third); err != nil {
		log.Warn().Err(err).Str("sessionId", third.SessionID).Msg("failed to release dangling pending edge")
	}
}

// tryCreatePendingMatch records a tentative symmetric pairing with the
// closest candidate that is plausible (within the pending window) but too
// slow for its tier's immediate window. The pairing is only committed when
// isolated: a third session near either party makes it ambiguous.
func (s *MatcherService) tryCreatePendingMatch(
	ctx context.Context,
	rec *model.PendingExchange,
	candidates []*model.PendingExchange,
) bool {
	var best *model.PendingExchange
	var bestDiff time.Duration

	for _, cand := range candidates {
		if cand.HasPendingMatch() || rec.Location == nil || cand.Location == nil {
			continue
		}
		conf := s.geo.Confidence(rec.Location, cand.Location)
		if conf.Tier == TierNoMatch {
			continue
		}
		diff := absDiff(rec.ServerTimestamp, cand.ServerTimestamp)
		if diff > s.pendingWindow || diff <= conf.TimeWindow {
			continue
		}
		if best == nil || diff < bestDiff {
			best, bestDiff = cand, diff
		}
	}
	if best == nil {
		return false
	}

	// Isolation check: no third candidate within the pending window of
	// either party.
	for _, third := range candidates {
		if third.SessionID == best.SessionID {
			continue
		}
		if absDiff(third.ServerTimestamp, rec.ServerTimestamp) <= s.pendingWindow ||
			absDiff(third.ServerTimestamp, best.ServerTimestamp) <= s.pendingWindow {
			log.Info().
				Str("sessionA", rec.SessionID).
				Str("sessionB", best.SessionID).
				Str("third", third.SessionID).
				Msg("pending match skipped, isolation violated")
			return false
		}
	}

	// Anchor the pending window at the later of the two reports.
	anchor := rec.ServerTimestamp
	if best.ServerTimestamp > anchor {
		anchor = best.ServerTimestamp
	}

	rec.PendingMatchWith = &best.SessionID
	rec.PendingMatchCreatedAt = &anchor
	best.PendingMatchWith = &rec.SessionID
	best.PendingMatchCreatedAt = &anchor

	if err := s.repo.UpdatePending(ctx, rec, best); err != nil {
		log.Warn().Err(err).Msg("failed to record pending match")
		rec.ClearPendingMatch()
		return false
	}

	log.Info().
		Str("sessionA", rec.SessionID).
		Str("sessionB", best.SessionID).
		Dur("timeDiff", bestDiff).
		Msg("pending match created")
	return true
}

// PromotePending confirms tentative pairings whose window has elapsed without
// interference. Invoked on a short schedule by the promotion job; returns the
// number of matches created.
func (s *MatcherService) PromotePending(ctx context.Context) (int, error) {
	candidates, err := s.loadCandidates(ctx, "", nil)
	if err != nil {
		return 0, apperrors.StoreUnavailable(err)
	}

	byID := make(map[string]*model.PendingExchange, len(candidates))
	for _, c := range candidates {
		byID[c.SessionID] = c
	}

	nowMs := s.now().UnixMilli()
	promoted := 0

	for _, rec := range candidates {
		if !rec.HasPendingMatch() || rec.SessionID >= *rec.PendingMatchWith {
			continue // each pair handled once, from its lower session id
		}
		partner := byID[*rec.PendingMatchWith]
		if partner == nil || !partner.HasPendingMatch() || *partner.PendingMatchWith != rec.SessionID {
			continue
		}
		if rec.PendingMatchCreatedAt == nil ||
			time.Duration(nowMs-*rec.PendingMatchCreatedAt)*time.Millisecond < s.pendingWindow {
			continue
		}

		// A is the earlier reporter.
		a, b := rec, partner
		if b.ServerTimestamp < a.ServerTimestamp {
			a, b = b, a
		}

		m := &model.ExchangeMatch{
			Token:            uuid.NewString(),
			SessionA:         a.SessionID,
			SessionB:         b.SessionID,
			UserA:            a.UserID,
			UserB:            b.UserID,
			SharingCategoryA: a.SharingCategory,
			SharingCategoryB: b.SharingCategory,
			Timestamp:        nowMs,
			Status:           model.MatchStatusMatched,
		}

		claimed, err := s.repo.ClaimMatch(ctx, m)
		if err != nil {
			return promoted, apperrors.StoreUnavailable(err)
		}
		if !claimed {
			continue
		}
		promoted++

		log.Info().
			Str("token", m.Token).
			Str("sessionA", m.SessionA).
			Str("sessionB", m.SessionB).
			Msg("pending match promoted")

		if s.notifier != nil {
			s.notifier.NotifyMatch(ctx, m)
		}
	}
	return promoted, nil
}

// PairByCode pairs directly against a scanned session code, bypassing motion
// correlation. The code side must already be waiting in the bucket.
func (s *MatcherService) PairByCode(ctx context.Context, p HitParams, peerSessionID string) (*MatchResult, error) {
	if peerSessionID == p.SessionID {
		return nil, apperrors.InvalidPairingCode()
	}

	peer, err := s.repo.GetPending(ctx, peerSessionID)
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	if peer == nil {
		return nil, apperrors.InvalidPairingCode()
	}

	rec := &model.PendingExchange{
		SessionID:       p.SessionID,
		UserID:          p.UserID,
		Profile:         p.Profile,
		ServerTimestamp: s.now().UnixMilli(),
		Location:        p.Location,
		Magnitude:       p.Magnitude,
		SharingCategory: p.SharingCategory,
	}
	if err := s.repo.InsertPending(ctx, rec); err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}

	result, err := s.claimBest(ctx, rec, []candidateEval{{rec: peer, fallback: true}})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, apperrors.InvalidPairingCode()
	}
	return result, nil
}

// LookupMatch returns the match for a token, or nil when absent.
func (s *MatcherService) LookupMatch(ctx context.Context, token string) (*model.ExchangeMatch, error) {
	m, err := s.repo.GetMatch(ctx, token)
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	return m, nil
}

// LookupMatchBySession resolves a session id through its reverse lookup.
func (s *MatcherService) LookupMatchBySession(ctx context.Context, sessionID string) (*model.ExchangeMatch, error) {
	m, err := s.repo.GetMatchBySession(ctx, sessionID)
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	return m, nil
}

func resultFor(m *model.ExchangeMatch, sessionID string) *MatchResult {
	youAre := "A"
	if m.SessionB == sessionID {
		youAre = "B"
	}
	return &MatchResult{Matched: true, Token: m.Token, YouAre: youAre}
}

func absDiff(a, b int64) time.Duration {
	d := a - b
	if d < 0 {
		d = -d
	}
	return time.Duration(d) * time.Millisecond
}
