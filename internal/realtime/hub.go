package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"marketplace-order-service/internal/models"
	"marketplace-order-service/internal/redisclient"
	"marketplace-order-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultChannel is the Redis pub/sub channel carrying push events
	// across all service instances
	DefaultChannel = "realtime:push"

	clientBufferSize = 100
)

// Event is one message delivered to a subscribed connection
type Event struct {
	Topic string          `json:"topic"`
	Name  string          `json:"name"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
}

// Client is one push connection with its topic memberships
type Client struct {
	ID     string
	Events chan Event
	Done   chan struct{}

	mu     sync.Mutex
	topics map[string]struct{}
}

func (c *Client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

// Topics returns a snapshot of the client's memberships
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

// Hub routes push events to connected clients by topic. Events travel through
// a Redis pub/sub channel so every instance fans out to its own connections.
type Hub struct {
	redis   *redisclient.Client
	channel string
	logger  *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	ctx     context.Context
	cancel  context.CancelFunc
	startMu sync.Mutex
	started bool
}

// HubOption configures the hub
type HubOption func(*Hub)

// WithChannel overrides the Redis pub/sub channel name
func WithChannel(channel string) HubOption {
	return func(h *Hub) { h.channel = channel }
}

// WithLogger sets the hub logger
func WithLogger(logger *zap.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

// NewHub creates a hub on top of the given Redis connection
func NewHub(redis *redisclient.Client, opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		redis:   redis,
		channel: DefaultChannel,
		logger:  zap.NewNop(),
		clients: make(map[string]*Client),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start begins consuming the Redis channel and fanning events out to clients.
// Must be called once before any Publish.
func (h *Hub) Start() error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return fmt.Errorf("hub already started")
	}
	h.started = true

	go h.consume()
	h.logger.Info("Realtime hub started", zap.String("channel", h.channel))
	return nil
}

// Stop disconnects all clients and stops the Redis subscription
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	for id, client := range h.clients {
		close(client.Done)
		delete(h.clients, id)
		util.SSEClientsConnected.Dec()
	}
	h.mu.Unlock()
	h.logger.Info("Realtime hub stopped")
}

func (h *Hub) consume() {
	pubsub := h.redis.Subscribe(h.ctx, h.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				h.logger.Warn("Realtime pub/sub channel closed")
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				h.logger.Error("Failed to unmarshal push event", zap.Error(err))
				continue
			}
			h.dispatch(ev)
		}
	}
}

// dispatch runs on the single consume goroutine, so each client sees events
// for a topic in the order they were published
func (h *Hub) dispatch(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.subscribed(ev.Topic) {
			continue
		}
		select {
		case client.Events <- ev:
		default:
			// slow client; it re-syncs with a pull on reconnect anyway
			h.logger.Warn("Client channel full, dropping event",
				zap.String("client_id", client.ID),
				zap.String("topic", ev.Topic))
		}
	}
}

// Register creates a new client with the given initial topic memberships
func (h *Hub) Register(topics []string) *Client {
	client := &Client{
		ID:     uuid.New().String(),
		Events: make(chan Event, clientBufferSize),
		Done:   make(chan struct{}),
		topics: make(map[string]struct{}, len(topics)),
	}
	for _, t := range topics {
		client.topics[t] = struct{}{}
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	util.SSEClientsConnected.Inc()
	return client
}

// Deregister removes a client; its channel is closed by the caller after the
// stream loop exits
func (h *Hub) Deregister(clientID string) {
	h.mu.Lock()
	_, ok := h.clients[clientID]
	delete(h.clients, clientID)
	h.mu.Unlock()
	if ok {
		util.SSEClientsConnected.Dec()
	}
}

// Join adds a topic membership; unknown clients return an error so callers
// can tell a stale connection from a typo
func (h *Hub) Join(clientID, topic string) error {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown client: %s", clientID)
	}
	client.mu.Lock()
	client.topics[topic] = struct{}{}
	client.mu.Unlock()
	return nil
}

// Leave drops a topic membership. Fire-and-forget: leaving a topic the client
// never joined is a no-op.
func (h *Hub) Leave(clientID, topic string) {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	client.mu.Lock()
	delete(client.topics, topic)
	client.mu.Unlock()
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) publish(ctx context.Context, topic, name string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}
	ev := Event{
		Topic: topic,
		Name:  name,
		ID:    uuid.New().String(),
		Data:  raw,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := h.redis.Publish(ctx, h.channel, payload); err != nil {
		return fmt.Errorf("failed to publish push event: %w", err)
	}
	util.PushEventsPublishedTotal.WithLabelValues(name).Inc()
	return nil
}

// PublishOrderUpdated emits a full order snapshot on the order's topic
func (h *Hub) PublishOrderUpdated(ctx context.Context, order *models.Order) error {
	topic := models.OrderTopic(order.ID)
	ev := models.OrderUpdatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderUpdated,
			Timestamp: time.Now().UTC(),
		},
		Topic:   topic,
		OrderID: order.ID,
		Order:   order,
	}
	return h.publish(ctx, topic, "orderUpdated", ev)
}

// PublishOrdersListUpdated emits an invalidation ping on a user's list topic
func (h *Hub) PublishOrdersListUpdated(ctx context.Context, userID, role string) error {
	topic := models.ListTopic(userID, role)
	ev := models.OrdersListUpdatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrdersListUpdated,
			Timestamp: time.Now().UTC(),
		},
		Topic: topic,
	}
	return h.publish(ctx, topic, "ordersListUpdated", ev)
}

// PublishCartChanged signals cart-display collaborators to recount
func (h *Hub) PublishCartChanged(ctx context.Context, buyerID string, itemCount int) error {
	topic := models.CartTopic(buyerID)
	ev := models.CartChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCartChanged,
			Timestamp: time.Now().UTC(),
		},
		Topic:     topic,
		BuyerID:   buyerID,
		ItemCount: itemCount,
	}
	return h.publish(ctx, topic, "cartChanged", ev)
}
