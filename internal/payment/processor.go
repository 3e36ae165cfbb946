package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Session is a processor-side payment session the buyer completes in the
// payment UI
type Session struct {
	PaymentOrderID string `json:"payment_order_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

// Processor is the external payment gateway contract
type Processor interface {
	CreateSession(ctx context.Context, orderID string, amount int64) (*Session, error)
	VerifySignature(paymentOrderID, paymentID, signature string) bool
}

// HTTPProcessor talks to the external payment gateway over its REST API.
// Signature verification is local: the gateway signs callbacks with
// HMAC-SHA256 over "<payment_order_id>|<payment_id>" using the key secret.
type HTTPProcessor struct {
	baseURL    string
	keyID      string
	keySecret  string
	httpClient *http.Client
}

// NewHTTPProcessor creates a payment gateway client
func NewHTTPProcessor(baseURL, keyID, keySecret string, timeout time.Duration) *HTTPProcessor {
	return &HTTPProcessor{
		baseURL:    baseURL,
		keyID:      keyID,
		keySecret:  keySecret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CreateSession opens a new gateway order scoped to our order id and amount
func (p *HTTPProcessor) CreateSession(ctx context.Context, orderID string, amount int64) (*Session, error) {
	body, err := json.Marshal(map[string]interface{}{
		"receipt":  orderID,
		"amount":   amount,
		"currency": "INR",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(p.keyID, p.keySecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payment session request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("payment gateway status %d", resp.StatusCode)
	}

	var out struct {
		ID       string `json:"id"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("payment gateway returned empty session id")
	}
	return &Session{PaymentOrderID: out.ID, Amount: out.Amount, Currency: out.Currency}, nil
}

// VerifySignature checks a client-reported payment against the gateway's
// callback signature. Constant-time comparison; a forged or garbled signature
// never confirms an order.
func (p *HTTPProcessor) VerifySignature(paymentOrderID, paymentID, signature string) bool {
	mac := hmac.New(sha256.New, []byte(p.keySecret))
	mac.Write([]byte(paymentOrderID + "|" + paymentID))
	expected := hex.EncodeToString(mac.Sum(nil))

	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(expected)
	return hmac.Equal(got, want)
}

// Sign produces the callback signature for a payment; used by tests and the
// sandbox gateway stub
func Sign(keySecret, paymentOrderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(keySecret))
	mac.Write([]byte(paymentOrderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}
