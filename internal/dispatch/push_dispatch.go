package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushNotifier POSTs notifications as JSON to an external push gateway.
type PushNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewPushNotifier(endpoint string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushPayload struct {
	UserID  string  `json:"user_id"`
	Message Message `json:"message"`
	SentAt  string  `json:"sent_at"`
}

func (p *PushNotifier) Notify(ctx context.Context, userID string, msg Message) error {
	b, err := json.Marshal(pushPayload{UserID: userID, Message: msg, SentAt: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}
