package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

type publishCall struct {
	topic string
	key   string
	value any
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	return 0, 0, s.err
}

func (s *stubPublisher) Close() error { return nil }

var testTopics = Topics{Trades: "trades.executed", Settlements: "payments.settled", Markets: "markets.lifecycle"}

func TestEmitter_RoutesByFamily(t *testing.T) {
	pub := &stubPublisher{}
	em := NewEmitter(pub, testTopics, nil)
	ctx := context.Background()

	em.TradeExecuted(ctx, TradeExecuted{TradeID: "t1", MarketID: "m1"})
	em.PaymentSettled(ctx, PaymentSettled{PaymentID: "p1", Status: "COMPLETED"})
	em.MarketChanged(ctx, TypeMarketFinalized, MarketChanged{MarketID: "m1", Status: "FINALIZED"})

	require.Len(t, pub.calls, 3)
	assert.Equal(t, "trades.executed", pub.calls[0].topic)
	assert.Equal(t, "m1", pub.calls[0].key)
	assert.Equal(t, "payments.settled", pub.calls[1].topic)
	assert.Equal(t, "p1", pub.calls[1].key)
	assert.Equal(t, "markets.lifecycle", pub.calls[2].topic)

	settled := pub.calls[1].value.(PaymentSettled)
	assert.Equal(t, TypePaymentSettled, settled.EventType)
	assert.Equal(t, DeterministicEventID("p1", "COMPLETED"), settled.EventID)
}

func TestEmitter_SwallowsErrors(t *testing.T) {
	pub := &stubPublisher{err: errors.New("broker down")}
	em := NewEmitter(pub, testTopics, nil)

	assert.NotPanics(t, func() {
		em.TradeExecuted(context.Background(), TradeExecuted{TradeID: "t1"})
	})

	var nilEmitter *Emitter
	assert.NotPanics(t, func() {
		nilEmitter.PaymentSettled(context.Background(), PaymentSettled{PaymentID: "p1"})
	})
}

func TestDeterministicEventID(t *testing.T) {
	assert.Equal(t, DeterministicEventID("a", "b"), DeterministicEventID("a", "b"))
	assert.NotEqual(t, DeterministicEventID("a", "b"), DeterministicEventID("a", "c"))
}

func TestSyncProducer_PublishJSON(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got TradeExecuted
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.TradeID != "t1" || !got.Cost.Equal(decimal.RequireFromString("12.5")) {
			return errors.New("unexpected payload")
		}
		return nil
	})
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewSyncProducerFrom(mp, nil)
	defer p.Close()

	_, _, err := p.PublishJSON(context.Background(), "trades.executed", "m1",
		TradeExecuted{TradeID: "t1", Cost: decimal.RequireFromString("12.5")})
	require.NoError(t, err)

	_, _, err = p.PublishJSON(context.Background(), "trades.executed", "m1", TradeExecuted{TradeID: "t2"})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestSyncProducer_CancelledContext(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	p := NewSyncProducerFrom(mp, nil)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := p.PublishJSON(ctx, "trades.executed", "m1", struct{}{})
	assert.ErrorIs(t, err, context.Canceled)
}
