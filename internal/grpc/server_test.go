package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"market-alerts/internal/alerts"
	"market-alerts/internal/pricecache"
	"market-alerts/internal/pubsub"
	"market-alerts/pkg/models"
)

type testEnv struct {
	client     *Client
	store      *alerts.Store
	history    *alerts.History
	triggerBus *alerts.TriggerBus
	broker     *pubsub.Broker
	cache      *pricecache.Cache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())

	env := &testEnv{
		store:      alerts.NewStore(),
		history:    alerts.NewHistory(100),
		triggerBus: alerts.NewTriggerBus(logger),
		broker:     pubsub.NewBroker(100, logger),
		cache:      pricecache.New(),
	}
	require.NoError(t, env.triggerBus.Start(ctx))
	require.NoError(t, env.broker.Start(ctx))

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(NewRuleServer(env.store, env.history, env.triggerBus, env.broker, env.cache, logger), logger)
	go srv.Serve(lis)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	env.client = client

	t.Cleanup(func() {
		client.Close()
		srv.Stop()
		env.broker.Stop()
		env.triggerBus.Stop()
		cancel()
	})
	return env
}

func TestRuleServer_AddListRemove(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rule, err := env.client.AddRule(ctx, AddRuleRequest{
		Symbol:     "BTC/USDT",
		Condition:  "above",
		Threshold:  50000,
		Channels:   []string{"log", "email"},
		Recipients: map[string][]string{"email": {"ops@example.com"}},
		Note:       "breakout",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, models.ConditionAbove, rule.Condition)
	assert.Equal(t, []models.Channel{models.ChannelLog, models.ChannelEmail}, rule.Channels)
	assert.Equal(t, []string{"ops@example.com"}, rule.Recipients[models.ChannelEmail])
	assert.True(t, rule.Armed)
	assert.True(t, rule.Enabled)

	_, err = env.client.AddRule(ctx, AddRuleRequest{Symbol: "ETH/USDT", Condition: "change_down", Threshold: 5})
	require.NoError(t, err)

	all, err := env.client.ListRules(ctx, ListRulesRequest{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	btc, err := env.client.ListRules(ctx, ListRulesRequest{Symbol: "BTC/USDT"})
	require.NoError(t, err)
	require.Len(t, btc, 1)
	assert.Equal(t, rule.ID, btc[0].ID)

	require.NoError(t, env.client.RemoveRule(ctx, rule.ID))
	assert.Equal(t, 1, env.store.Count())

	err = env.client.RemoveRule(ctx, rule.ID)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestRuleServer_AddRuleValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  AddRuleRequest
	}{
		{"unknown condition", AddRuleRequest{Symbol: "BTC/USDT", Condition: "sideways", Threshold: 1}},
		{"missing symbol", AddRuleRequest{Condition: "above", Threshold: 1}},
		{"non-positive threshold", AddRuleRequest{Symbol: "BTC/USDT", Condition: "above", Threshold: 0}},
		{"unknown channel", AddRuleRequest{Symbol: "BTC/USDT", Condition: "above", Threshold: 1, Channels: []string{"pager"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.client.AddRule(ctx, tt.req)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
	assert.Zero(t, env.store.Count())
}

func TestRuleServer_UpdateRule(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rule, err := env.client.AddRule(ctx, AddRuleRequest{Symbol: "BTC/USDT", Condition: "above", Threshold: 100})
	require.NoError(t, err)
	require.NoError(t, env.store.Transition(rule.ID, rule.Revision, false, time.Now()))

	threshold := 200.0
	disabled := false
	updated, err := env.client.UpdateRule(ctx, UpdateRuleRequest{ID: rule.ID, Threshold: &threshold, Enabled: &disabled})
	require.NoError(t, err)
	assert.Equal(t, 200.0, updated.Threshold)
	assert.False(t, updated.Enabled)
	assert.True(t, updated.Armed, "changing the threshold re-arms")
	assert.Equal(t, rule.Revision+1, updated.Revision)
	assert.Equal(t, models.ConditionAbove, updated.Condition, "absent fields are untouched")

	_, err = env.client.UpdateRule(ctx, UpdateRuleRequest{ID: "missing", Threshold: &threshold})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = env.client.UpdateRule(ctx, UpdateRuleRequest{Threshold: &threshold})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRuleServer_ListHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i, ruleID := range []string{"a", "b", "a"} {
		env.history.Append(models.HistoryRecord{
			Event: &models.TriggerEvent{ID: string(rune('x' + i)), RuleID: ruleID, Symbol: "BTC/USDT", Condition: models.ConditionAbove},
			Deliveries: []models.DeliveryResult{
				{Channel: models.ChannelLog, Status: models.DeliveryDelivered},
			},
		})
	}

	records, err := env.client.ListHistory(ctx, ListHistoryRequest{RuleID: "a"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "z", records[0].Event.ID)
	assert.Equal(t, models.DeliveryDelivered, records[0].Deliveries[0].Status)

	limited, err := env.client.ListHistory(ctx, ListHistoryRequest{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = env.client.ListHistory(ctx, ListHistoryRequest{Limit: -1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRuleServer_SubscribeTriggers(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *models.TriggerEvent, 1)
	go env.client.SubscribeTriggers(ctx, func(ev *models.TriggerEvent) error {
		received <- ev
		return nil
	})

	require.Eventually(t, func() bool {
		return env.triggerBus.GetSubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	rule := models.NewAlertRule("BTC/USDT", models.ConditionBelow, 40000, []models.Channel{models.ChannelLog}, nil)
	env.triggerBus.Publish(models.NewTriggerEvent(rule, 39000, 41000))

	select {
	case ev := <-received:
		assert.Equal(t, rule.ID, ev.RuleID)
		assert.Equal(t, models.ConditionBelow, ev.Condition)
		assert.Equal(t, 39000.0, ev.CurrentPrice)
	case <-time.After(2 * time.Second):
		t.Fatal("trigger not streamed")
	}

	cancel()
	require.Eventually(t, func() bool {
		return env.triggerBus.GetSubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "subscription released on disconnect")
}

func TestRuleServer_WatchPricesSnapshotThenUpdates(t *testing.T) {
	env := newTestEnv(t)
	env.cache.Set(models.NewTick("BTC/USDT", "mock", 50000))
	env.cache.Set(models.NewTick("ETH/USDT", "mock", 3000))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan models.Tick, 10)
	go env.client.WatchPrices(ctx, []string{"BTC/USDT"}, func(tick models.Tick) error {
		received <- tick
		return nil
	})

	first := <-received
	assert.Equal(t, "BTC/USDT", first.Symbol)
	assert.Equal(t, 50000.0, first.Price)

	require.Eventually(t, func() bool {
		return env.broker.GetSubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	env.broker.Publish(models.NewTick("ETH/USDT", "mock", 3100))
	env.broker.Publish(models.NewTick("BTC/USDT", "mock", 50100))

	select {
	case tick := <-received:
		assert.Equal(t, "BTC/USDT", tick.Symbol, "other symbols filtered out")
		assert.Equal(t, 50100.0, tick.Price)
	case <-time.After(2 * time.Second):
		t.Fatal("price update not streamed")
	}
}

func TestToStatus(t *testing.T) {
	assert.Equal(t, codes.NotFound, status.Code(toStatus(alerts.ErrRuleNotFound)))
	assert.Equal(t, codes.InvalidArgument, status.Code(toStatus(alerts.ValidateRule(&models.AlertRule{}))))
	assert.Equal(t, codes.Internal, status.Code(toStatus(assert.AnError)))
}
