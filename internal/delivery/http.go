package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPNotifier posts notifications to the WhatsApp bridge that owns the
// group sessions.
type HTTPNotifier struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

type sendRequest struct {
	Text           string  `json:"text"`
	IdempotencyKey string  `json:"idempotency_key"`
	Metadata       Payload `json:"metadata"`
}

type groupStatus struct {
	ID       string `json:"id"`
	IsMember bool   `json:"is_member"`
	IsAdmin  bool   `json:"is_admin"`
}

func (h HTTPNotifier) client() *http.Client {
	if h.Client == nil {
		return &http.Client{Timeout: 15 * time.Second}
	}
	return h.Client
}

func (h HTTPNotifier) DeliverNotification(ctx context.Context, channelID string, p Payload) error {
	b, _ := json.Marshal(sendRequest{Text: p.Text, IdempotencyKey: p.IdempotencyKey, Metadata: p})
	endpoint := strings.TrimRight(h.BaseURL, "/") + "/groups/" + url.PathEscape(channelID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.IdempotencyKey)
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	resp, err := h.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return classifyStatus(resp)
}

// Probe reports whether the bridge account is a member of the group.
func (h HTTPNotifier) Probe(ctx context.Context, channelID string) (bool, error) {
	endpoint := strings.TrimRight(h.BaseURL, "/") + "/groups/" + url.PathEscape(channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("bridge http error: %s", resp.Status)
	}
	var st groupStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return false, err
	}
	return st.IsMember, nil
}

func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// bridge already holds this idempotency key
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		return fmt.Errorf("bridge http error: %s", resp.Status)
	default:
		return fmt.Errorf("%w: bridge http error: %s", ErrPermanent, resp.Status)
	}
}
