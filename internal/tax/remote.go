package tax

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RemoteCalculator wraps an external tax-rate service over HTTP.
type RemoteCalculator struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRemoteCalculator creates a calculator backed by the tax service at
// baseURL.
func NewRemoteCalculator(baseURL, apiKey string) *RemoteCalculator {
	return &RemoteCalculator{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Calculate calls the tax service. Network and server failures surface as
// ErrServiceUnavailable so callers can degrade to zero tax.
func (c *RemoteCalculator) Calculate(ctx context.Context, params Params) (*Result, error) {
	reqBody, err := json.Marshal(map[string]any{
		"amount_cents": params.AmountCents,
		"address": map[string]string{
			"line1":       params.Address.Line1,
			"city":        params.Address.City,
			"state":       params.Address.State,
			"postal_code": params.Address.PostalCode,
			"country":     params.Address.Country,
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/calculate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("tax: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Rate            float64 `json:"rate"`
		AmountToCollect int64   `json:"amount_to_collect_cents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	return &Result{Rate: body.Rate, AmountCents: body.AmountToCollect}, nil
}
