package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Channel delivers a message to one identity of a target.
type Channel interface {
	Send(ctx context.Context, t Target, msg Message) error
}

// StatusError is a non-2xx answer from a delivery endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("delivery endpoint returned HTTP %d: %s", e.StatusCode, e.Body)
}

// NewHTTPClient returns the client channels share.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

func postJSON(ctx context.Context, client *http.Client, endpoint, bearer string, payload any) error {
	if _, err := url.Parse(endpoint); err != nil {
		return fmt.Errorf("invalid URL %s: %w", endpoint, err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "trustcase-notify/1.0")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var errNoIdentity = errors.New("target has no identity for this channel")

// PushRelay hands web-push deliveries to a relay service that holds the VAPID
// keys. The relay receives the stored subscription verbatim.
type PushRelay struct {
	URL    string
	Token  string
	Client *http.Client
}

type pushRelayRequest struct {
	Subscription json.RawMessage `json:"subscription"`
	Notification Message         `json:"notification"`
}

func (p *PushRelay) Send(ctx context.Context, t Target, msg Message) error {
	if len(t.PushSubscription) == 0 {
		return errNoIdentity
	}
	return postJSON(ctx, p.Client, p.URL, p.Token, pushRelayRequest{
		Subscription: t.PushSubscription,
		Notification: msg,
	})
}

// LineClient sends LINE Messaging API push messages.
type LineClient struct {
	BaseURL      string
	ChannelToken string
	Client       *http.Client
}

type lineTextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type linePushRequest struct {
	To       string            `json:"to"`
	Messages []lineTextMessage `json:"messages"`
}

func (l *LineClient) Send(ctx context.Context, t Target, msg Message) error {
	if t.LineUserID == "" {
		return errNoIdentity
	}
	return postJSON(ctx, l.Client, strings.TrimRight(l.BaseURL, "/")+"/v2/bot/message/push", l.ChannelToken, linePushRequest{
		To:       t.LineUserID,
		Messages: []lineTextMessage{{Type: "text", Text: msg.Title + "\n" + msg.Body}},
	})
}
