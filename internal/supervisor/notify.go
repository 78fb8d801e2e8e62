package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/g960059/agtbroker/internal/model"
)

// Outcome is the terminal result reported to the dispatch collaborator.
type Outcome struct {
	SessionID   string       `json:"session_id"`
	Status      model.Status `json:"status"`
	ExitCode    *int         `json:"exit_code,omitempty"`
	CompletedAt time.Time    `json:"completed_at"`
}

// OutcomeNotifier is told about every terminal transition. Errors are
// logged by the caller and never change the session.
type OutcomeNotifier interface {
	Notify(ctx context.Context, o Outcome) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Outcome) error { return nil }

// HTTPNotifier POSTs outcomes as JSON.
type HTTPNotifier struct {
	URL    string
	client *retryablehttp.Client
}

func NewHTTPNotifier(url string) *HTTPNotifier {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.HTTPClient.Timeout = 10 * time.Second
	c.Logger = nil
	return &HTTPNotifier{URL: url, client: c}
}

func (n *HTTPNotifier) Notify(ctx context.Context, o Outcome) error {
	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build outcome request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post outcome: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post outcome: status %d", resp.StatusCode)
	}
	return nil
}
