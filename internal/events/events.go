// Package events publishes domain events (trades, settlements, market
// lifecycle) to Kafka. Publishing happens after commit and is best effort:
// the ledger is the source of truth, events are notifications.
package events

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/metrics"
)

const (
	TypeTradeExecuted   = "trade.executed"
	TypePaymentSettled  = "payment.settled"
	TypeMarketResolved  = "market.resolved"
	TypeMarketFinalized = "market.finalized"
	TypeMarketCancelled = "market.cancelled"
)

type Envelope struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	EventVersion int       `json:"event_version"`
	Timestamp    time.Time `json:"timestamp"`
}

func newEnvelope(eventID, eventType string) Envelope {
	return Envelope{
		EventID:      eventID,
		EventType:    eventType,
		EventVersion: 1,
		Timestamp:    time.Now().UTC(),
	}
}

// DeterministicEventID derives a stable id so consumers can drop
// redeliveries of the same fact.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

type TradeExecuted struct {
	Envelope
	TradeID     string          `json:"trade_id"`
	UserID      string          `json:"user_id"`
	MarketID    string          `json:"market_id"`
	Outcome     string          `json:"outcome"`
	Side        string          `json:"side"`
	Shares      decimal.Decimal `json:"shares"`
	Cost        decimal.Decimal `json:"cost"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	NewYesPrice decimal.Decimal `json:"new_yes_price"`
	NewNoPrice  decimal.Decimal `json:"new_no_price"`
}

type PaymentSettled struct {
	Envelope
	PaymentID string          `json:"payment_id"`
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Provider  string          `json:"provider"`
	Source    string          `json:"source"`
}

type MarketChanged struct {
	Envelope
	MarketID string `json:"market_id"`
	Status   string `json:"status"`
	Outcome  string `json:"outcome,omitempty"`
	// Payouts counts winning positions paid (finalize) or positions
	// refunded (cancel).
	Payouts int `json:"payouts,omitempty"`
}

// Publisher sends one JSON message.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

// Topics maps event families to Kafka topics.
type Topics struct {
	Trades      string
	Settlements string
	Markets     string
}

// Emitter turns domain facts into events. A nil *Emitter discards events.
type Emitter struct {
	pub    Publisher
	topics Topics
	logger *slog.Logger
}

func NewEmitter(pub Publisher, topics Topics, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{pub: pub, topics: topics, logger: logger}
}

func (e *Emitter) TradeExecuted(ctx context.Context, ev TradeExecuted) {
	if e == nil {
		return
	}
	ev.Envelope = newEnvelope(ev.TradeID, TypeTradeExecuted)
	e.publish(ctx, e.topics.Trades, ev.MarketID, ev)
}

func (e *Emitter) PaymentSettled(ctx context.Context, ev PaymentSettled) {
	if e == nil {
		return
	}
	ev.Envelope = newEnvelope(DeterministicEventID(ev.PaymentID, ev.Status), TypePaymentSettled)
	e.publish(ctx, e.topics.Settlements, ev.PaymentID, ev)
}

func (e *Emitter) MarketChanged(ctx context.Context, eventType string, ev MarketChanged) {
	if e == nil {
		return
	}
	ev.Envelope = newEnvelope(DeterministicEventID(ev.MarketID, eventType), eventType)
	e.publish(ctx, e.topics.Markets, ev.MarketID, ev)
}

func (e *Emitter) publish(ctx context.Context, topic, key string, value any) {
	if e.pub == nil || topic == "" {
		return
	}
	if _, _, err := e.pub.PublishJSON(ctx, topic, key, value); err != nil {
		metrics.EventsPublished.WithLabelValues(topic, "error").Inc()
		e.logger.Warn("event publish failed", "topic", topic, "key", key, "err", err)
		return
	}
	metrics.EventsPublished.WithLabelValues(topic, "success").Inc()
}
