package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/wfcore/internal/allocator"
	"github.com/example/wfcore/internal/planner"
)

// HTTPClient submits DAGs to a remote engine over JSON/HTTP.
type HTTPClient struct {
	baseURL     string
	apiToken    string
	callbackURL string
	httpClient  *http.Client
}

func NewHTTPClient(baseURL, apiToken, callbackURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiToken:    strings.TrimSpace(apiToken),
		callbackURL: strings.TrimSpace(callbackURL),
		httpClient:  &http.Client{Timeout: timeout},
	}
}

type submitRequest struct {
	DAG         planner.DAG           `json:"dag"`
	Reservation allocator.Reservation `json:"reservation"`
	CallbackURL string                `json:"callback_url,omitempty"`
}

type submitResponse struct {
	Handle string `json:"handle"`
}

func (c *HTTPClient) SubmitDAG(ctx context.Context, dag planner.DAG, res allocator.Reservation) (Handle, error) {
	body, err := json.Marshal(submitRequest{DAG: dag, Reservation: res, CallbackURL: c.callbackURL})
	if err != nil {
		return "", &SubmissionError{Err: err}
	}
	resp, err := c.post(ctx, "/v1/dags", body)
	if err != nil {
		return "", &SubmissionError{Transient: isNetworkError(err), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &SubmissionError{
			Transient: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Status:    resp.StatusCode,
			Err:       errors.New(strings.TrimSpace(string(msg))),
		}
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &SubmissionError{Transient: true, Err: fmt.Errorf("decode submit response: %w", err)}
	}
	if out.Handle == "" {
		return "", &SubmissionError{Err: errors.New("engine returned empty handle")}
	}
	return Handle(out.Handle), nil
}

func (c *HTTPClient) Cancel(ctx context.Context, h Handle) error {
	resp, err := c.post(ctx, "/v1/dags/"+url.PathEscape(string(h))+"/cancel", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("cancel %s: status %d", h, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
	return c.httpClient.Do(req)
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}
