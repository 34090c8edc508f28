package receiver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	interfaces "github.com/sheikh-saqib/token-settlement-ledger/internal/interfaces"
)

// Notification is the request body of a remote OnReceive call.
type Notification struct {
	SenderID string `json:"sender_id"`
	Amount   string `json:"amount"`
	Msg      string `json:"msg"`
}

// Response is the body a remote receiver answers with.
type Response struct {
	UnusedAmount string `json:"unused_amount"`
}

const maxResponseBytes = 1 << 16

// Client calls a receiver contract served over HTTP.
type Client struct {
	url  string
	http *http.Client
}

func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{url: url, http: httpClient}
}

// OnReceive posts the notification and returns the unused amount exactly as
// the remote sent it. Transport errors and non-2xx statuses are failures.
func (c *Client) OnReceive(ctx context.Context, sender, amount, message string) (string, error) {
	body, err := json.Marshal(Notification{SenderID: sender, Amount: amount, Msg: message})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("call receiver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("receiver returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode receiver response: %w", err)
	}
	return out.UnusedAmount, nil
}

// Handler serves a receiver contract over HTTP.
func Handler(r interfaces.Receiver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var n Notification
		if err := json.NewDecoder(req.Body).Decode(&n); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		unused, err := r.OnReceive(req.Context(), n.SenderID, n.Amount, n.Msg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{UnusedAmount: unused})
	})
}

var _ interfaces.Receiver = (*Client)(nil)
