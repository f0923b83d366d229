package engine

import "github.com/atmx/binary-market/internal/model"

// Event types published after a transaction commits.
const (
	EventMarketCreated  = "market_created"
	EventBetPlaced      = "bet_placed"
	EventMarketResolved = "market_resolved"
)

// Event is a committed state change, shaped for streaming to clients.
type Event struct {
	Type      string        `json:"type"`
	MarketID  string        `json:"market_id"`
	UserID    string        `json:"user_id,omitempty"`
	Side      model.Outcome `json:"side,omitempty"`
	Quantity  int64         `json:"quantity,omitempty"`
	PriceYes  string        `json:"price_yes,omitempty"`
	PriceNo   string        `json:"price_no,omitempty"`
	Outcome   model.Outcome `json:"outcome,omitempty"`
	TotalPaid string        `json:"total_paid,omitempty"`
}

// Publisher receives events. Publish must not block the caller.
type Publisher interface {
	Publish(Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
