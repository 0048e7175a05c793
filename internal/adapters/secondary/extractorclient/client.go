// Package extractorclient implements ports.Extractor against the external
// document-understanding service (spec §6.4): an abstract HTTP collaborator
// outside this repository's scope. Submit/Poll translate raw HTTP responses
// into structured transient-vs-permanent signals; the dispatcher (package
// dispatcher) is responsible for the retry policy itself (spec §4.3 step 5),
// using github.com/avast/retry-go/v4 around calls into this client.
package extractorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"extraction-worker/internal/core/ports"
	pkgerrors "extraction-worker/pkg/errors"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ ports.Extractor = (*Client)(nil)

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type submitResponse struct {
	OperationID string `json:"operationId"`
}

// Submit posts one page payload and returns the provider's operationId
// immediately (spec §4.3 step 2).
func (c *Client) Submit(ctx context.Context, modelID string, page []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/models/%s/submit", c.baseURL, modelID), bytes.NewReader(page))
	if err != nil {
		return "", pkgerrors.Wrap(err, pkgerrors.ExtractorPermanent, "SUBMIT_REQUEST_FAILED", "could not build submit request")
	}
	req.Header.Set("Content-Type", "application/pdf")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", pkgerrors.Wrap(err, pkgerrors.ExtractorTransient, "SUBMIT_NETWORK_ERROR", "submit request failed")
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", err
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", pkgerrors.Wrap(err, pkgerrors.ExtractorPermanent, "SUBMIT_DECODE_FAILED", "could not decode submit response")
	}
	return out.OperationID, nil
}

type pollResponse struct {
	Status     string                 `json:"status"`
	RetryAfter int                    `json:"retryAfter,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Poll checks one long-running operation's status (spec §4.3 step 3-4).
func (c *Client) Poll(ctx context.Context, operationID string) (ports.PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/operations/%s", c.baseURL, operationID), nil)
	if err != nil {
		return ports.PollResult{}, pkgerrors.Wrap(err, pkgerrors.ExtractorPermanent, "POLL_REQUEST_FAILED", "could not build poll request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ports.PollResult{}, pkgerrors.Wrap(err, pkgerrors.ExtractorTransient, "POLL_NETWORK_ERROR", "poll request failed")
	}
	defer resp.Body.Close()

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	if err := classifyStatus(resp.StatusCode); err != nil {
		if pkgerrors.Is(err, pkgerrors.ExtractorTransient) {
			return ports.PollResult{Done: false, RetryAfter: retryAfter}, err
		}
		return ports.PollResult{Done: true, Success: false, Permanent: true}, err
	}

	var out pollResponse
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &out); err != nil {
		return ports.PollResult{}, pkgerrors.Wrap(err, pkgerrors.ExtractorPermanent, "POLL_DECODE_FAILED", "could not decode poll response")
	}

	if out.RetryAfter > 0 {
		retryAfter = time.Duration(out.RetryAfter) * time.Second
	}

	switch out.Status {
	case "succeeded":
		return ports.PollResult{Done: true, Success: true, Fields: out.Fields, Confidence: out.Confidence}, nil
	case "failed":
		return ports.PollResult{Done: true, Success: false, Permanent: true, ErrorDetail: out.Error}, nil
	default: // "running", "queued", or any other non-terminal status
		return ports.PollResult{Done: false, RetryAfter: retryAfter}, nil
	}
}

// classifyStatus maps HTTP status codes onto the retryable-vs-permanent
// split named in spec §4.3 step 5: 429/5xx (plus 408/425) are transient,
// everything else 4xx is permanent.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status >= 500:
		return pkgerrors.NewExtractorTransient(fmt.Sprintf("provider returned %d", status))
	default:
		return pkgerrors.NewExtractorPermanent(fmt.Sprintf("provider returned %d", status))
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		return time.Until(t)
	}
	return 0
}
