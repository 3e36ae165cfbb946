package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"marketplace-order-service/internal/models"
	"marketplace-order-service/internal/redisclient"
	"marketplace-order-service/internal/util"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	hub := NewHub(redisclient.NewClientFromRedis(rdb), WithLogger(zap.NewNop()))
	require.NoError(t, hub.Start())
	t.Cleanup(hub.Stop)

	// give the pub/sub subscription a moment to come up
	time.Sleep(50 * time.Millisecond)
	return hub
}

func receive(t *testing.T, client *Client) Event {
	t.Helper()
	select {
	case ev := <-client.Events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectSilence(t *testing.T, client *Client) {
	t.Helper()
	select {
	case ev := <-client.Events:
		t.Fatalf("unexpected event on topic %s", ev.Topic)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestHubRoutesByTopic(t *testing.T) {
	hub := newTestHub(t)

	subscriber := hub.Register([]string{models.OrderTopic("o1")})
	bystander := hub.Register([]string{models.OrderTopic("o2")})

	order := &models.Order{ID: "o1", BuyerID: "b1", Status: models.StatusConfirmed}
	require.NoError(t, hub.PublishOrderUpdated(context.Background(), order))

	ev := receive(t, subscriber)
	assert.Equal(t, models.OrderTopic("o1"), ev.Topic)
	assert.Equal(t, "orderUpdated", ev.Name)

	var payload models.OrderUpdatedEvent
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	require.NotNil(t, payload.Order)
	assert.Equal(t, models.StatusConfirmed, payload.Order.Status)
	assert.Equal(t, "o1", payload.OrderID)

	expectSilence(t, bystander)
}

func TestHubListInvalidationPing(t *testing.T) {
	hub := newTestHub(t)

	client := hub.Register([]string{models.ListTopic("u1", models.RoleBuyer)})
	require.NoError(t, hub.PublishOrdersListUpdated(context.Background(), "u1", models.RoleBuyer))

	ev := receive(t, client)
	assert.Equal(t, "ordersListUpdated", ev.Name)

	var payload models.OrdersListUpdatedEvent
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, models.ListTopic("u1", models.RoleBuyer), payload.Topic)
}

func TestHubJoinAndLeave(t *testing.T) {
	hub := newTestHub(t)
	client := hub.Register(nil)

	topic := models.CartTopic("b1")
	expectDelivered := func() {
		require.NoError(t, hub.PublishCartChanged(context.Background(), "b1", 3))
		ev := receive(t, client)
		assert.Equal(t, "cartChanged", ev.Name)
	}

	// not subscribed yet
	require.NoError(t, hub.PublishCartChanged(context.Background(), "b1", 1))
	expectSilence(t, client)

	require.NoError(t, hub.Join(client.ID, topic))
	expectDelivered()

	// leave is fire-and-forget, even for a topic never joined
	hub.Leave(client.ID, "order:nonexistent")
	hub.Leave(client.ID, topic)
	require.NoError(t, hub.PublishCartChanged(context.Background(), "b1", 5))
	expectSilence(t, client)
}

func TestHubJoinUnknownClient(t *testing.T) {
	hub := newTestHub(t)
	err := hub.Join("no-such-client", "order:o1")
	assert.Error(t, err)
}

func TestHubDeregister(t *testing.T) {
	hub := newTestHub(t)
	client := hub.Register([]string{models.OrderTopic("o1")})
	assert.Equal(t, 1, hub.ClientCount())

	hub.Deregister(client.ID)
	assert.Equal(t, 0, hub.ClientCount())

	// events published after deregistration go nowhere
	require.NoError(t, hub.PublishOrderUpdated(context.Background(),
		&models.Order{ID: "o1"}))
	expectSilence(t, client)
}

func TestHubStopReleasesClientGauge(t *testing.T) {
	hub := newTestHub(t)
	before := testutil.ToFloat64(util.SSEClientsConnected)

	hub.Register(nil)
	hub.Register(nil)
	hub.Stop()

	assert.Equal(t, before, testutil.ToFloat64(util.SSEClientsConnected))
	assert.Zero(t, hub.ClientCount())
}

func TestHubEventsArriveInPublishOrder(t *testing.T) {
	hub := newTestHub(t)
	client := hub.Register([]string{models.OrderTopic("o1")})

	for i := 0; i < 5; i++ {
		order := &models.Order{ID: "o1", TotalPrice: int64(i)}
		require.NoError(t, hub.PublishOrderUpdated(context.Background(), order))
	}

	for i := 0; i < 5; i++ {
		ev := receive(t, client)
		var payload models.OrderUpdatedEvent
		require.NoError(t, json.Unmarshal(ev.Data, &payload))
		assert.Equal(t, int64(i), payload.Order.TotalPrice, "events must arrive in publish order")
	}
}
