package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wtf-ops/backend/internal/models"
	"github.com/wtf-ops/backend/internal/registry"
)

// HTTPAdapter calls the classification service.
type HTTPAdapter struct {
	BaseURL string
	Client  *http.Client
}

type requestBody struct {
	MessageID  string    `json:"message_id"`
	Text       string    `json:"text"`
	Sender     string    `json:"sender,omitempty"`
	GroupID    string    `json:"group_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

type responseBody struct {
	MessageID            string   `json:"message_id"`
	DetectedCategoryName string   `json:"detected_category_name"`
	AICategory           string   `json:"ai_category"`
	Severity             string   `json:"severity"`
	MatchedKeywords      []string `json:"matched_keywords"`
}

func (h HTTPAdapter) Classify(ctx context.Context, m models.RawMessage) (models.ClassifiedMessage, int64, error) {
	if h.Client == nil {
		h.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if m.ID == "" {
		m.ID = MessageID(m)
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now().UTC()
	}

	b, _ := json.Marshal(requestBody{
		MessageID:  m.ID,
		Text:       m.Text,
		Sender:     m.Sender,
		GroupID:    m.GroupID,
		ReceivedAt: m.ReceivedAt,
	})
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/classify", bytes.NewBuffer(b))
	if err != nil {
		return models.ClassifiedMessage{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.Client.Do(req)
	if err != nil {
		return models.ClassifiedMessage{}, time.Since(start).Milliseconds(), err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.ClassifiedMessage{}, time.Since(start).Milliseconds(), fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var r responseBody
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return models.ClassifiedMessage{}, time.Since(start).Milliseconds(), err
	}

	out := Normalize(models.ClassifiedMessage{
		ID:                   m.ID,
		Text:                 m.Text,
		DetectedCategoryName: r.DetectedCategoryName,
		AICategory:           models.AICategory(r.AICategory),
		Severity:             models.Severity(r.Severity),
		MatchedKeywords:      r.MatchedKeywords,
		ReceivedAt:           m.ReceivedAt,
	})
	if !registry.IsAICategory(out.AICategory) || !registry.IsSeverity(out.Severity) {
		return models.ClassifiedMessage{}, time.Since(start).Milliseconds(),
			fmt.Errorf("classifier returned unknown labels ai_category=%q severity=%q", r.AICategory, r.Severity)
	}
	return out, time.Since(start).Milliseconds(), nil
}
