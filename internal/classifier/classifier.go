package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"civicflow/internal/errs"
)

// Result is the classifier verdict for a report's text.
type Result struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Classifier is the narrow contract to the external ML service. Failures are
// retryable; the worker owns the retry budget.
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
}

// HTTPClassifier calls the classifier service over HTTP.
type HTTPClassifier struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTP(baseURL string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClassifier{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

// Classify posts the report text and decodes (category, confidence). Any
// transport or non-200 failure comes back as a TransientError.
func (c *HTTPClassifier) Classify(ctx context.Context, text string) (Result, error) {
	body, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return Result{}, fmt.Errorf("classifier: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("classifier: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, errs.Transient(fmt.Errorf("classifier: request: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, errs.Transient(fmt.Errorf("classifier: status %d", resp.StatusCode))
	}
	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, errs.Transient(fmt.Errorf("classifier: decode: %w", err))
	}
	if out.Category == "" {
		return Result{}, errs.Transient(fmt.Errorf("classifier: empty category"))
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return Result{}, errs.Transient(fmt.Errorf("classifier: confidence %v outside [0,1]", out.Confidence))
	}
	return out, nil
}
