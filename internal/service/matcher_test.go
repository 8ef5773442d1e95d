package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/nektus/exchange-server-go/internal/errors"
	"github.com/nektus/exchange-server-go/internal/model"
)

// fakeExchangeRepo is an in-memory stand-in for the Redis-backed store. It
// round-trips records through JSON so shared-pointer bugs in the matcher
// cannot hide behind in-process aliasing.
type fakeExchangeRepo struct {
	mu        sync.Mutex
	pending   map[string][]byte
	bucket    map[string]bool
	matches   map[string][]byte
	bySession map[string]string

	// afterInsert simulates a concurrent arrival or deletion landing between
	// the pre-insert snapshot and any later step.
	afterInsert func(r *fakeExchangeRepo)
}

func newFakeExchangeRepo() *fakeExchangeRepo {
	return &fakeExchangeRepo{
		pending:   make(map[string][]byte),
		bucket:    make(map[string]bool),
		matches:   make(map[string][]byte),
		bySession: make(map[string]string),
	}
}

func (f *fakeExchangeRepo) GetPending(ctx context.Context, sessionID string) (*model.PendingExchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.pending[sessionID]
	if !ok {
		return nil, nil
	}
	var p model.PendingExchange
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (f *fakeExchangeRepo) GetPendingBatch(ctx context.Context, ids []string) (map[string]*model.PendingExchange, error) {
	out := make(map[string]*model.PendingExchange, len(ids))
	for _, id := range ids {
		p, err := f.GetPending(ctx, id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out[id] = p
		}
	}
	return out, nil
}

func (f *fakeExchangeRepo) putLocked(p *model.PendingExchange) {
	data, _ := json.Marshal(p)
	f.pending[p.SessionID] = data
}

func (f *fakeExchangeRepo) InsertPending(ctx context.Context, p *model.PendingExchange) error {
	f.mu.Lock()
	f.putLocked(p)
	f.bucket[p.SessionID] = true
	hook := f.afterInsert
	f.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	return nil
}

func (f *fakeExchangeRepo) UpdatePending(ctx context.Context, records ...*model.PendingExchange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range records {
		if _, ok := f.pending[p.SessionID]; ok {
			f.putLocked(p)
		}
	}
	return nil
}

func (f *fakeExchangeRepo) BucketMembers(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.bucket))
	for id := range f.bucket {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeExchangeRepo) EvictFromBucket(ctx context.Context, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.bucket, id)
	}
	return nil
}

func (f *fakeExchangeRepo) ClaimMatch(ctx context.Context, m *model.ExchangeMatch) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[m.SessionA]; !ok {
		return false, nil
	}
	if _, ok := f.pending[m.SessionB]; !ok {
		return false, nil
	}
	delete(f.pending, m.SessionA)
	delete(f.pending, m.SessionB)
	delete(f.bucket, m.SessionA)
	delete(f.bucket, m.SessionB)
	data, _ := json.Marshal(m)
	f.matches[m.Token] = data
	f.bySession[m.SessionA] = m.Token
	f.bySession[m.SessionB] = m.Token
	return true, nil
}

func (f *fakeExchangeRepo) GetMatch(ctx context.Context, token string) (*model.ExchangeMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.matches[token]
	if !ok {
		return nil, nil
	}
	var m model.ExchangeMatch
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (f *fakeExchangeRepo) GetMatchBySession(ctx context.Context, sessionID string) (*model.ExchangeMatch, error) {
	f.mu.Lock()
	token, ok := f.bySession[sessionID]
	f.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return f.GetMatch(ctx, token)
}

func (f *fakeExchangeRepo) Ping(ctx context.Context) error { return nil }

func (f *fakeExchangeRepo) bucketSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bucket)
}

type captureNotifier struct {
	mu      sync.Mutex
	matches []*model.ExchangeMatch
}

func (n *captureNotifier) NotifyMatch(ctx context.Context, m *model.ExchangeMatch) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.matches = append(n.matches, m)
}

func newTestMatcher(repo *fakeExchangeRepo) (*MatcherService, *captureNotifier) {
	notifier := &captureNotifier{}
	m := NewMatcherService(repo, NewGeoService(""), notifier, false)
	return m, notifier
}

func nyc(ip string) *model.Location {
	return &model.Location{City: "New York", Region: "New York", Country: "United States", IP: ip}
}

func paris(ip string) *model.Location {
	return &model.Location{City: "Paris", Region: "Ile-de-France", Country: "France", IP: ip}
}

// report submits a hit at a fixed wall-clock millisecond with zero skew.
func report(t *testing.T, m *MatcherService, sessionID string, tsMs int64, l *model.Location) *MatchResult {
	t.Helper()
	m.now = func() time.Time { return time.UnixMilli(tsMs) }
	res, err := m.ReportHit(context.Background(), HitParams{
		SessionID:       sessionID,
		UserID:          "user-" + sessionID,
		ClientTimestamp: tsMs,
		Magnitude:       11.2,
		Location:        l,
		SharingCategory: model.SharingAll,
	})
	require.NoError(t, err)
	return res
}

func TestReportHit_ImmediateMatch(t *testing.T) {
	t.Run("same city within the city window matches immediately", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, notifier := newTestMatcher(repo)

		resA := report(t, m, "sess-a", 1000, nyc("72.1.2.3"))
		assert.False(t, resA.Matched)

		resB := report(t, m, "sess-b", 1200, nyc("98.7.7.7"))
		require.True(t, resB.Matched)
		assert.Equal(t, "A", resB.YouAre)
		assert.NotEmpty(t, resB.Token)

		// Both pendings consumed, bucket drained, reverse lookups in place.
		assert.Equal(t, 0, repo.bucketSize())
		match, err := repo.GetMatchBySession(context.Background(), "sess-a")
		require.NoError(t, err)
		require.NotNil(t, match)
		assert.Equal(t, resB.Token, match.Token)
		assert.Equal(t, model.MatchStatusMatched, match.Status)
		assert.Len(t, notifier.matches, 1)
	})

	t.Run("exceeding the city window does not match immediately", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)

		report(t, m, "sess-a", 1000, nyc("72.1.2.3"))
		resB := report(t, m, "sess-b", 1600, nyc("98.7.7.7"))

		assert.False(t, resB.Matched)
		assert.True(t, resB.Pending, "600ms is outside the 500ms city window but inside the pending window")
		assert.Equal(t, 2, repo.bucketSize())
	})

	t.Run("matching is commutative", func(t *testing.T) {
		forward := newFakeExchangeRepo()
		m1, _ := newTestMatcher(forward)
		report(t, m1, "sess-a", 1000, nyc("72.1.2.3"))
		res1 := report(t, m1, "sess-b", 1200, nyc("98.7.7.7"))

		reverse := newFakeExchangeRepo()
		m2, _ := newTestMatcher(reverse)
		report(t, m2, "sess-b", 1200, nyc("98.7.7.7"))
		res2 := report(t, m2, "sess-a", 1000, nyc("72.1.2.3"))

		require.True(t, res1.Matched)
		require.True(t, res2.Matched)

		match1, _ := forward.GetMatch(context.Background(), res1.Token)
		match2, _ := reverse.GetMatch(context.Background(), res2.Token)
		pair1 := map[string]bool{match1.SessionA: true, match1.SessionB: true}
		pair2 := map[string]bool{match2.SessionA: true, match2.SessionB: true}
		assert.Equal(t, pair1, pair2)
	})

	t.Run("higher confidence tier beats smaller time difference", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)

		// Octet-only agreement with the upcoming reporter, very close in time.
		report(t, m, "sess-octet", 1190, &model.Location{City: "Boston", Region: "Massachusetts", Country: "United States", IP: "72.9.9.9"})
		// Full city agreement, further away in time. No octet overlap with
		// the Boston hit, so the two waiting sessions cannot pair up early.
		report(t, m, "sess-city", 1000, nyc("98.7.7.7"))

		res := report(t, m, "sess-new", 1200, nyc("72.5.5.5"))
		require.True(t, res.Matched)

		match, err := repo.GetMatch(context.Background(), res.Token)
		require.NoError(t, err)
		assert.Equal(t, "sess-city", match.SessionB)
	})

	t.Run("vpn tier still matches inside its short window", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)

		vpnLoc := nyc("72.1.2.3")
		vpnLoc.IsVPN = true
		report(t, m, "sess-a", 1000, vpnLoc)
		res := report(t, m, "sess-b", 1150, nyc("72.1.2.4"))
		assert.True(t, res.Matched, "150ms is inside the 200ms vpn window")
	})

	t.Run("missing location falls back to first candidate", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)

		report(t, m, "sess-a", 1000, nil)
		res := report(t, m, "sess-b", 4000, nil)
		assert.True(t, res.Matched, "fallback matching is unconditional")
	})
}

func TestReportHit_Validation(t *testing.T) {
	t.Run("rejects hits outside the clock skew bound", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)
		m.now = func() time.Time { return time.UnixMilli(100_000) }

		_, err := m.ReportHit(context.Background(), HitParams{
			SessionID:       "sess-a",
			ClientTimestamp: 100_000 - 15_000,
		})
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeInvalidTimestamp, apperrors.GetCode(err))
		assert.Equal(t, 0, repo.bucketSize())
	})

	t.Run("round trip estimate shifts the effective timestamp", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)

		report(t, m, "sess-a", 1000, nyc("72.1.2.3"))

		// 1520ms raw difference; a 100ms round trip pulls it back inside the
		// 1500ms pending window.
		m.now = func() time.Time { return time.UnixMilli(2520) }
		res, err := m.ReportHit(context.Background(), HitParams{
			SessionID:       "sess-b",
			UserID:          "user-b",
			ClientTimestamp: 2520,
			RoundTripMs:     100,
			Location:        nyc("98.7.7.7"),
			SharingCategory: model.SharingAll,
		})
		require.NoError(t, err)
		assert.True(t, res.Pending)
	})
}

func TestReportHit_RepeatedReports(t *testing.T) {
	t.Run("re-report overwrites in place without duplicating bucket state", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)

		report(t, m, "sess-a", 1000, nyc("72.1.2.3"))
		report(t, m, "sess-a", 1100, nyc("72.1.2.3"))

		assert.Equal(t, 1, repo.bucketSize())
		rec, err := repo.GetPending(context.Background(), "sess-a")
		require.NoError(t, err)
		assert.Equal(t, int64(1100), rec.ServerTimestamp)
	})

	t.Run("re-report preserves an existing pending edge", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)

		report(t, m, "sess-a", 1000, nyc("72.1.2.3"))
		res := report(t, m, "sess-b", 1600, nyc("98.7.7.7"))
		require.True(t, res.Pending)

		// sess-b spikes again before promotion.
		report(t, m, "sess-b", 1650, nyc("98.7.7.7"))

		rec, err := repo.GetPending(context.Background(), "sess-b")
		require.NoError(t, err)
		require.NotNil(t, rec.PendingMatchWith)
		assert.Equal(t, "sess-a", *rec.PendingMatchWith)
	})

	t.Run("a session that already matched keeps getting the same token", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)

		report(t, m, "sess-a", 1000, nyc("72.1.2.3"))
		first := report(t, m, "sess-b", 1200, nyc("98.7.7.7"))
		require.True(t, first.Matched)

		again := report(t, m, "sess-b", 1300, nyc("98.7.7.7"))
		assert.True(t, again.Matched)
		assert.Equal(t, first.Token, again.Token)
	})
}

func TestReportHit_PendingMatches(t *testing.T) {
	t.Run("pending match is recorded symmetrically", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)

		report(t, m, "sess-a", 1000, nyc("72.1.2.3"))
		res := report(t, m, "sess-b", 1600, nyc("98.7.7.7"))
		require.True(t, res.Pending)

		recA, _ := repo.GetPending(context.Background(), "sess-a")
		recB, _ := repo.GetPending(context.Background(), "sess-b")
		require.NotNil(t, recA.PendingMatchWith)
		require.NotNil(t, recB.PendingMatchWith)
		assert.Equal(t, "sess-b", *recA.PendingMatchWith)
		assert.Equal(t, "sess-a", *recB.PendingMatchWith)
		// Anchored at the later of the two timestamps.
		assert.Equal(t, int64(1600), *recA.PendingMatchCreatedAt)
		assert.Equal(t, *recA.PendingMatchCreatedAt, *recB.PendingMatchCreatedAt)
	})

	t.Run("isolation violation blocks pending creation", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)

		report(t, m, "sess-a", 1000, nyc("72.1.2.3"))
		// Third session, geographically unrelated, 10ms from sess-b.
		report(t, m, "sess-c", 1610, paris("5.5.5.5"))

		res := report(t, m, "sess-b", 1600, nyc("98.7.7.7"))
		assert.False(t, res.Matched)
		assert.False(t, res.Pending, "a third candidate within the window makes the pairing ambiguous")

		recA, _ := repo.GetPending(context.Background(), "sess-a")
		recB, _ := repo.GetPending(context.Background(), "sess-b")
		assert.Nil(t, recA.PendingMatchWith)
		assert.Nil(t, recB.PendingMatchWith)
	})

	t.Run("new arrival within the window cancels an existing pending match", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)

		report(t, m, "sess-a", 1000, nyc("72.1.2.3"))
		res := report(t, m, "sess-b", 1600, nyc("98.7.7.7"))
		require.True(t, res.Pending)

		// Geographically unrelated, so it matches neither side, but close
		// enough in time to make the speculative pairing suspect.
		report(t, m, "sess-c", 1620, paris("5.5.5.5"))

		recA, _ := repo.GetPending(context.Background(), "sess-a")
		recB, _ := repo.GetPending(context.Background(), "sess-b")
		assert.Nil(t, recA.PendingMatchWith, "edge severed on both sides")
		assert.Nil(t, recB.PendingMatchWith, "edge severed on both sides")
	})

	t.Run("a distant arrival leaves the pending match alone", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)

		report(t, m, "sess-a", 1000, nyc("72.1.2.3"))
		require.True(t, report(t, m, "sess-b", 1600, nyc("98.7.7.7")).Pending)

		report(t, m, "sess-c", 9000, paris("5.5.5.5"))

		recA, _ := repo.GetPending(context.Background(), "sess-a")
		require.NotNil(t, recA.PendingMatchWith)
		assert.Equal(t, "sess-b", *recA.PendingMatchWith)
	})
}

func TestReportHit_ConcurrentArrivals(t *testing.T) {
	t.Run("late-arrival re-scan catches a counterpart missed by the snapshot", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)

		// sess-b lands between sess-a's snapshot and insert.
		repo.afterInsert = func(f *fakeExchangeRepo) {
			f.afterInsert = nil
			f.InsertPending(context.Background(), &model.PendingExchange{
				SessionID:       "sess-b",
				UserID:          "user-b",
				ServerTimestamp: 1100,
				Location:        nyc("98.7.7.7"),
			})
		}

		res := report(t, m, "sess-a", 1000, nyc("72.1.2.3"))
		assert.True(t, res.Matched, "re-scan after insert must close the snapshot gap")
	})

	t.Run("a failed claim falls through without corrupting state", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)

		report(t, m, "sess-a", 1000, nyc("72.1.2.3"))

		// sess-a's record vanishes right after sess-b's snapshot saw it.
		repo.afterInsert = func(f *fakeExchangeRepo) {
			f.afterInsert = nil
			f.mu.Lock()
			delete(f.pending, "sess-a")
			delete(f.bucket, "sess-a")
			f.mu.Unlock()
		}

		res := report(t, m, "sess-b", 1200, nyc("98.7.7.7"))
		assert.False(t, res.Matched)
		assert.Equal(t, 1, repo.bucketSize(), "sess-b stays in the bucket for a future report")
	})
}

func TestPromotePending(t *testing.T) {
	t.Run("promotes an elapsed pending match", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, notifier := newTestMatcher(repo)

		report(t, m, "sess-a", 1000, nyc("72.1.2.3"))
		require.True(t, report(t, m, "sess-b", 1600, nyc("98.7.7.7")).Pending)

		m.now = func() time.Time { return time.UnixMilli(1600 + 1501) }
		promoted, err := m.PromotePending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, promoted)
		assert.Equal(t, 0, repo.bucketSize())

		match, err := repo.GetMatchBySession(context.Background(), "sess-a")
		require.NoError(t, err)
		require.NotNil(t, match)
		assert.Equal(t, "sess-a", match.SessionA, "earlier reporter is side A")
		assert.Equal(t, model.MatchStatusMatched, match.Status)
		assert.Len(t, notifier.matches, 1)
	})

	t.Run("leaves a pending match alone before its window elapses", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)

		report(t, m, "sess-a", 1000, nyc("72.1.2.3"))
		require.True(t, report(t, m, "sess-b", 1600, nyc("98.7.7.7")).Pending)

		m.now = func() time.Time { return time.UnixMilli(1600 + 800) }
		promoted, err := m.PromotePending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, promoted)
		assert.Equal(t, 2, repo.bucketSize())
	})
}

func TestPairByCode(t *testing.T) {
	t.Run("pairs directly against a waiting session", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)

		report(t, m, "sess-a", 1000, nyc("72.1.2.3"))

		m.now = func() time.Time { return time.UnixMilli(5000) }
		res, err := m.PairByCode(context.Background(), HitParams{
			SessionID:       "sess-b",
			UserID:          "user-b",
			ClientTimestamp: 5000,
			SharingCategory: model.SharingWork,
		}, "sess-a")
		require.NoError(t, err)
		assert.True(t, res.Matched)
		assert.Equal(t, 0, repo.bucketSize())
	})

	t.Run("rejects an unknown or expired code", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)

		_, err := m.PairByCode(context.Background(), HitParams{SessionID: "sess-b"}, "sess-zzz")
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeInvalidPairingCode, apperrors.GetCode(err))
	})

	t.Run("rejects pairing with itself", func(t *testing.T) {
		repo := newFakeExchangeRepo()
		m, _ := newTestMatcher(repo)

		_, err := m.PairByCode(context.Background(), HitParams{SessionID: "sess-a"}, "sess-a")
		assert.Error(t, err)
	})
}

func TestStaleBucketEviction(t *testing.T) {
	repo := newFakeExchangeRepo()
	m, _ := newTestMatcher(repo)

	// An id listed in the bucket whose record already expired.
	repo.mu.Lock()
	repo.bucket["sess-ghost"] = true
	repo.mu.Unlock()

	report(t, m, "sess-a", 1000, nyc("72.1.2.3"))

	repo.mu.Lock()
	_, ghostStillThere := repo.bucket["sess-ghost"]
	repo.mu.Unlock()
	assert.False(t, ghostStillThere, "stale entry evicted during the scan")
}
