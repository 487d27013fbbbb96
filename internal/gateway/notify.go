// Package gateway holds thin clients for the platform services this core
// collaborates with: the notification dispatcher and the media backend.
// Both are fire-and-forget or pass-through from the core's point of view.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/curaline/realtime-service/internal/realtime"
)

type NotificationClient struct {
	base string
	http *http.Client
}

func NewNotificationClient(baseURL string) *NotificationClient {
	return &NotificationClient{
		base: baseURL,
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// NotifyOffline hands the event to the push/email pipeline.
func (c *NotificationClient) NotifyOffline(ctx context.Context, userID int64, ev realtime.Event) error {
	body, err := json.Marshal(map[string]any{
		"user_id": userID,
		"event":   ev,
	})
	if err != nil {
		return fmt.Errorf("encode notify payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/notify", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("notify dispatch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify dispatch: status %d", resp.StatusCode)
	}
	return nil
}

// NopNotifier is wired when no dispatcher is configured (local dev).
type NopNotifier struct{}

func (NopNotifier) NotifyOffline(_ context.Context, userID int64, ev realtime.Event) error {
	slog.Debug("offline notification skipped: no dispatcher configured", "user", userID, "event", ev.Type)
	return nil
}
