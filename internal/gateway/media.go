package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/curaline/realtime-service/internal/domain"
)

// MediaClient talks to the third-party video backend's facade. All calls are
// opaque pass-throughs keyed by call id; this core never interprets the
// session or token contents.
type MediaClient struct {
	base string
	http *http.Client
}

func NewMediaClient(baseURL string) *MediaClient {
	return &MediaClient{
		base: baseURL,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *MediaClient) CreateMediaSession(ctx context.Context, callID string, kind domain.CallType) error {
	return c.post(ctx, "/sessions", map[string]any{
		"call_id": callID,
		"kind":    string(kind),
	}, nil)
}

func (c *MediaClient) GenerateMediaToken(ctx context.Context, callID string, userID int64) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.post(ctx, "/sessions/"+callID+"/tokens", map[string]any{
		"user_id": userID,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *MediaClient) StartRecording(ctx context.Context, callID string) error {
	return c.post(ctx, "/sessions/"+callID+"/recording/start", nil, nil)
}

func (c *MediaClient) StopRecording(ctx context.Context, callID string) error {
	return c.post(ctx, "/sessions/"+callID+"/recording/stop", nil, nil)
}

func (c *MediaClient) post(ctx context.Context, path string, in any, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return fmt.Errorf("encode media payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("media gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("media gateway: status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("media gateway: decode response: %w", err)
		}
	}
	return nil
}

// NopMedia is wired when no media backend is configured; tokens are random
// placeholders so call flows stay exercisable in local dev.
type NopMedia struct{}

func (NopMedia) CreateMediaSession(context.Context, string, domain.CallType) error { return nil }

func (NopMedia) GenerateMediaToken(context.Context, string, int64) (string, error) {
	return uuid.New().String(), nil
}

func (NopMedia) StartRecording(context.Context, string) error { return nil }
func (NopMedia) StopRecording(context.Context, string) error  { return nil }
