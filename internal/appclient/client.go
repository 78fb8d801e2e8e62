// Package appclient is a typed client for the broker control API.
package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/g960059/agtbroker/internal/api"
	"github.com/g960059/agtbroker/internal/model"
)

const defaultUnaryTimeout = 10 * time.Second

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

// New returns a client for the broker at addr, either host:port or a full
// http(s) URL.
func New(addr string) *Client {
	return NewWithClient(BaseURL(addr), &http.Client{})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

// BaseURL normalizes a listen address into a URL.
func BaseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		return code
	}
	if message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// IsCode reports whether err is a RequestError carrying code.
func IsCode(err error, code string) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Code == code
}

func (c *Client) Spawn(ctx context.Context, req api.SpawnRequest) (api.SpawnResponse, error) {
	var resp api.SpawnResponse
	err := c.call(ctx, http.MethodPost, "/v1/sessions", req, &resp)
	return resp, err
}

func (c *Client) Status(ctx context.Context, id string) (api.StatusResponse, error) {
	var resp api.StatusResponse
	err := c.call(ctx, http.MethodGet, sessionPath(id, ""), nil, &resp)
	return resp, err
}

// Kill reports false when the session had already ended.
func (c *Client) Kill(ctx context.Context, id string) (bool, error) {
	err := c.call(ctx, http.MethodPost, sessionPath(id, "kill"), nil, nil)
	if IsCode(err, model.ErrCodeNotRunning) {
		return false, nil
	}
	return err == nil, err
}

func (c *Client) Resize(ctx context.Context, id string, cols, rows uint16) error {
	return c.call(ctx, http.MethodPost, sessionPath(id, "resize"), api.ResizeRequest{Cols: cols, Rows: rows}, nil)
}

func (c *Client) Write(ctx context.Context, id, data string) error {
	return c.call(ctx, http.MethodPost, sessionPath(id, "write"), api.WriteRequest{Data: data}, nil)
}

func (c *Client) SetInputState(ctx context.Context, id string, state model.InputState) error {
	return c.call(ctx, http.MethodPost, sessionPath(id, "input-state"), api.InputStateRequest{State: state}, nil)
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.call(ctx, http.MethodGet, "/v1/health", nil, &resp)
	return resp, err
}

func (c *Client) Waiting(ctx context.Context) (api.WaitingResponse, error) {
	var resp api.WaitingResponse
	err := c.call(ctx, http.MethodGet, "/v1/waiting", nil, &resp)
	return resp, err
}

func (c *Client) Launchers(ctx context.Context) (api.LaunchersEnvelope, error) {
	var resp api.LaunchersEnvelope
	err := c.call(ctx, http.MethodGet, "/v1/launchers", nil, &resp)
	return resp, err
}

// Raw performs a request and returns the undecoded response body.
func (c *Client) Raw(ctx context.Context, method, path string, body any) ([]byte, error) {
	return c.request(ctx, method, path, nil, body)
}

func sessionPath(id, action string) string {
	p := "/v1/sessions/" + url.PathEscape(strings.TrimSpace(id))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	payload, err := c.request(ctx, method, path, nil, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}
