package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	DefaultFCMURL = "https://fcm.googleapis.com/v1"
	fcmScope      = "https://www.googleapis.com/auth/firebase.messaging"
)

// FCM sends through the Firebase Cloud Messaging HTTP v1 API.
type FCM struct {
	projectID string
	baseURL   string
	client    *http.Client
}

// NewFCM authenticates with a service account key. An empty projectID falls back to
// the project of the key.
func NewFCM(ctx context.Context, projectID string, credentialsJSON []byte, baseURL string, timeout time.Duration) (*FCM, error) {
	creds, err := google.CredentialsFromJSON(ctx, credentialsJSON, fcmScope)
	if err != nil {
		return nil, fmt.Errorf("fail to read fcm credentials, err: %w", err)
	}
	if projectID == "" {
		projectID = creds.ProjectID
	}
	if projectID == "" {
		return nil, errors.New("fcm project id is not set and the credentials carry none")
	}
	return newFCM(projectID, creds.TokenSource, baseURL, timeout), nil
}

func newFCM(projectID string, ts oauth2.TokenSource, baseURL string, timeout time.Duration) *FCM {
	if baseURL == "" {
		baseURL = DefaultFCMURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := oauth2.NewClient(context.Background(), ts)
	client.Timeout = timeout
	return &FCM{
		projectID: projectID,
		baseURL:   baseURL,
		client:    client,
	}
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (f *FCM) Send(ctx context.Context, n Notification) error {
	// FCM only carries string data values
	data := make(map[string]string, len(n.Data))
	for k, v := range n.Data {
		data[k] = fmt.Sprint(v)
	}
	buf, err := json.Marshal(fcmRequest{Message: fcmMessage{
		Token:        n.Token,
		Notification: fcmNotification{Title: n.Title, Body: n.Body},
		Data:         data,
	}})
	if err != nil {
		return fmt.Errorf("fail to marshal notification, err: %w", err)
	}
	endpoint := f.baseURL + "/projects/" + url.PathEscape(f.projectID) + "/messages:send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("fail to create request, err: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fail to send notification, err: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fcm returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
