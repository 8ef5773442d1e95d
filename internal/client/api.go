package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// HitSubmission is the wire form of one bump report.
type HitSubmission struct {
	SessionID         string  `json:"sessionId"`
	UserID            string  `json:"userId"`
	ClientTimestamp   int64   `json:"clientTimestamp"`
	Magnitude         float64 `json:"magnitude"`
	RoundTripEstimate int64   `json:"roundTripEstimate,omitempty"`
	SharingCategory   string  `json:"sharingCategory,omitempty"`
}

type HitResponse struct {
	Matched bool   `json:"matched"`
	Token   string `json:"token,omitempty"`
	YouAre  string `json:"youAre,omitempty"`
	Pending bool   `json:"pending,omitempty"`
}

type SessionMatchResponse struct {
	Matched bool   `json:"matched"`
	Token   string `json:"token,omitempty"`
	YouAre  string `json:"youAre,omitempty"`
}

type apiError struct {
	Status int
	Code   string
	Msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Msg)
}

// APIClient talks to the exchange server. It tracks the round-trip time of
// each call so the next hit can carry an estimate for server-side timestamp
// adjustment.
type APIClient struct {
	baseURL string
	http    *http.Client

	mu      sync.Mutex
	lastRTT time.Duration
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// LastRTT returns the most recently observed round trip, zero before the
// first call.
func (c *APIClient) LastRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRTT
}

func (c *APIClient) recordRTT(d time.Duration) {
	c.mu.Lock()
	c.lastRTT = d
	c.mu.Unlock()
}

func (c *APIClient) ReportHit(ctx context.Context, hit HitSubmission) (*HitResponse, error) {
	hit.RoundTripEstimate = c.LastRTT().Milliseconds()

	var resp HitResponse
	if err := c.post(ctx, "/v1/exchange/hit", hit, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *APIClient) PairByCode(ctx context.Context, sessionID, userID, code, sharingCategory string) (*HitResponse, error) {
	body := map[string]string{
		"sessionId":       sessionID,
		"userId":          userID,
		"code":            code,
		"sharingCategory": sharingCategory,
	}

	var resp HitResponse
	if err := c.post(ctx, "/v1/exchange/pair-by-code", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *APIClient) SessionMatch(ctx context.Context, sessionID string) (*SessionMatchResponse, error) {
	var resp SessionMatchResponse
	err := c.get(ctx, "/v1/exchange/sessions/"+sessionID+"/match", &resp)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return &SessionMatchResponse{Matched: false}, nil
		}
		return nil, err
	}
	return &resp, nil
}

func (c *APIClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *APIClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *APIClient) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.recordRTT(time.Since(start))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var body struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.Unmarshal(data, &body)
		return &apiError{Status: resp.StatusCode, Code: body.Code, Msg: body.Error}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
