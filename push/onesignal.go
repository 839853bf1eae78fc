package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const DefaultOneSignalURL = "https://onesignal.com/api/v1"

// Notification is a provider-neutral push request.
type Notification struct {
	Token string
	Title string
	Body  string
	Data  map[string]any
}

// Provider sends a notification to one device.
type Provider interface {
	Send(ctx context.Context, n Notification) error
}

// OneSignal talks to the OneSignal REST API.
type OneSignal struct {
	appID   string
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOneSignal returns nil when appID or apiKey is empty: push is then disabled.
func NewOneSignal(appID, apiKey, baseURL string, timeout time.Duration) *OneSignal {
	if appID == "" || apiKey == "" {
		return nil
	}
	if baseURL == "" {
		baseURL = DefaultOneSignalURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OneSignal{
		appID:   appID,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type oneSignalRequest struct {
	AppID            string            `json:"app_id"`
	IncludePlayerIDs []string          `json:"include_player_ids"`
	Headings         map[string]string `json:"headings"`
	Contents         map[string]string `json:"contents"`
	Data             map[string]any    `json:"data,omitempty"`
}

func (o *OneSignal) Send(ctx context.Context, n Notification) error {
	buf, err := json.Marshal(oneSignalRequest{
		AppID:            o.appID,
		IncludePlayerIDs: []string{n.Token},
		Headings:         map[string]string{"en": n.Title},
		Contents:         map[string]string{"en": n.Body},
		Data:             n.Data,
	})
	if err != nil {
		return fmt.Errorf("fail to marshal notification, err: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/notifications", bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("fail to create request, err: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Basic "+o.apiKey)
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("fail to send notification, err: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("onesignal returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
