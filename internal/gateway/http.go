package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/monkeysworks/settlement/internal/config"
)

// HTTPGateway talks to the payment provider's REST API. Declines come back
// as a normal result; only transport and 5xx failures surface as errors.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPGateway(cfg config.GatewayConfig) *HTTPGateway {
	return &HTTPGateway{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
	}
}

type apiResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

func (g *HTTPGateway) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	payload := map[string]interface{}{
		"customer_id": req.CustomerID,
		"amount":      req.Amount.StringFixed(2),
		"currency":    req.Currency,
		"description": req.Description,
	}
	return g.post(ctx, "/v1/charges", req.IdempotencyKey, payload)
}

func (g *HTTPGateway) Payout(ctx context.Context, req PayoutRequest) (*Result, error) {
	payload := map[string]interface{}{
		"recipient_id": req.RecipientID,
		"amount":       req.Amount.StringFixed(2),
		"currency":     req.Currency,
		"description":  req.Description,
	}
	return g.post(ctx, "/v1/payouts", req.IdempotencyKey, payload)
}

func (g *HTTPGateway) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	payload := map[string]interface{}{
		"reference": req.Reference,
		"amount":    req.Amount.StringFixed(2),
		"currency":  req.Currency,
	}
	return g.post(ctx, "/v1/refunds", req.IdempotencyKey, payload)
}

func (g *HTTPGateway) post(ctx context.Context, path, idempotencyKey string, payload map[string]interface{}) (*Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal gateway request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("gateway unavailable: status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusPaymentRequired || api.Status == "declined":
		return &Result{Reference: api.Reference, Declined: true, Message: api.Message}, nil
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("gateway rejected request: status %d: %s", resp.StatusCode, api.Message)
	}

	return &Result{Reference: api.Reference, Message: api.Message}, nil
}
