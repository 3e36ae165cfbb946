package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketplace-order-service/internal/models"
)

// maxResponseSize caps carrier response bodies
const maxResponseSize = 4 * 1024 * 1024

// Checkpoint is one carrier-reported scan event
type Checkpoint struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Location  string    `json:"location,omitempty"`
	Remark    string    `json:"remark,omitempty"`
}

// TrackingInfo is the live shipment state reported by the carrier
type TrackingInfo struct {
	AWBCode           string       `json:"awb_code"`
	CourierName       string       `json:"courier_name"`
	TrackingURL       string       `json:"tracking_url"`
	EstimatedDelivery *time.Time   `json:"estimated_delivery,omitempty"`
	Checkpoints       []Checkpoint `json:"checkpoints"`
}

// Shipment is the result of booking a pickup with the carrier
type Shipment struct {
	ShipmentID        string     `json:"shipment_id"`
	AWBCode           string     `json:"awb_code"`
	CourierName       string     `json:"courier_name"`
	TrackingURL       string     `json:"tracking_url"`
	PickupDate        *time.Time `json:"pickup_date,omitempty"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
}

// API is the carrier operations the service depends on
type API interface {
	CreateShipment(ctx context.Context, order *models.Order) (*Shipment, error)
	Track(ctx context.Context, awbCode string) (*TrackingInfo, error)
}

// HTTPClient talks to the external carrier REST API
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient creates a carrier API client
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CreateShipment books a shipment and AWB for the order's line items
func (c *HTTPClient) CreateShipment(ctx context.Context, order *models.Order) (*Shipment, error) {
	body := map[string]interface{}{
		"order_id": order.ID,
		"items":    order.Items,
		"amount":   order.TotalPrice,
	}
	var out Shipment
	if err := c.post(ctx, "/shipments", body, &out); err != nil {
		return nil, fmt.Errorf("carrier create shipment failed: %w", err)
	}
	if out.AWBCode == "" {
		return nil, fmt.Errorf("carrier returned shipment without awb code")
	}
	return &out, nil
}

// Track fetches the live checkpoint list for an AWB
func (c *HTTPClient) Track(ctx context.Context, awbCode string) (*TrackingInfo, error) {
	var out TrackingInfo
	if err := c.get(ctx, "/track/"+awbCode, &out); err != nil {
		return nil, fmt.Errorf("carrier track failed: %w", err)
	}
	return &out, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("carrier api status %d: %s", resp.StatusCode, truncate(data, 256))
	}
	return json.Unmarshal(data, out)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// MapStatus converts a carrier checkpoint status to an order status.
// Unknown values map to "" and are skipped by the reconciler.
func MapStatus(carrierStatus string) models.OrderStatus {
	switch carrierStatus {
	case "PICKED UP", "PICKED_UP", "SHIPPED":
		return models.StatusShipped
	case "IN TRANSIT", "IN_TRANSIT":
		return models.StatusInTransit
	case "OUT FOR DELIVERY", "OUT_FOR_DELIVERY":
		return models.StatusOutForDelivery
	case "DELIVERED":
		return models.StatusDelivered
	case "UNDELIVERED", "DELIVERY FAILED", "DELIVERY_FAILED":
		return models.StatusDeliveryFailed
	case "RTO INITIATED", "RTO_INITIATED":
		return models.StatusRTOInitiated
	case "RTO DELIVERED", "RTO_DELIVERED":
		return models.StatusRTODelivered
	}
	return ""
}
