package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"
	"github.com/quantsentinel/trading-core/pkg/errors"
	"github.com/shopspring/decimal"
)

type OrderSide string

type OrderType string

type OrderState string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

const (
	OrderStateNew             OrderState = "NEW"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCanceled        OrderState = "CANCELED"
	OrderStateRejected        OrderState = "REJECTED"
	OrderStateExpired         OrderState = "EXPIRED"
)

// orderStateTransitions is the closed set of legal order state transitions.
// Terminal states have no outgoing edges; any update not present here is rejected.
var orderStateTransitions = map[OrderState][]OrderState{
	OrderStateNew: {
		OrderStatePartiallyFilled,
		OrderStateFilled,
		OrderStateCanceled,
		OrderStateRejected,
		OrderStateExpired,
	},
	OrderStatePartiallyFilled: {
		OrderStatePartiallyFilled,
		OrderStateFilled,
		OrderStateCanceled,
	},
}

// IsTerminal reports whether the state has no outgoing transitions.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateRejected, OrderStateExpired:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from s to next is legal.
func (s OrderState) CanTransitionTo(next OrderState) bool {
	for _, allowed := range orderStateTransitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// OrderRequest describes an order before it has a venue identity. Produced by
// strategy signal producers and consumed by the shadow controller and the
// execution adapter.
type OrderRequest struct {
	Symbol   string          `yaml:"symbol" json:"symbol" validate:"required"`
	Side     OrderSide       `yaml:"side" json:"side" validate:"required,oneof=BUY SELL"`
	Type     OrderType       `yaml:"type" json:"type" validate:"required,oneof=MARKET LIMIT"`
	Quantity decimal.Decimal `yaml:"quantity" json:"quantity" validate:"required"`
	// Price is required for limit orders and absent for market orders.
	Price optional.Option[decimal.Decimal] `yaml:"price" json:"price"`
	// MarketPrice is the current reference price, used for notional and
	// slippage evaluation of market orders. Can be absent.
	MarketPrice optional.Option[decimal.Decimal] `yaml:"market_price" json:"market_price"`
	// StrategyTag identifies the producing strategy and prefixes the client order id.
	StrategyTag string `yaml:"strategy_tag" json:"strategy_tag" validate:"required"`
	// CorrelationID links the request to an upstream signal. Optional.
	CorrelationID string `yaml:"correlation_id" json:"correlation_id"`
}

// Validate validates the OrderRequest struct.
func (r *OrderRequest) Validate() error {
	validate := validator.New()
	if err := validate.Struct(r); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidOrder, "invalid order request", err)
	}

	if r.Quantity.LessThanOrEqual(decimal.Zero) {
		return errors.New(errors.ErrCodeInvalidQuantity, "order quantity must be greater than zero")
	}

	if r.Type == OrderTypeLimit {
		if r.Price.IsNone() {
			return errors.New(errors.ErrCodeInvalidPrice, "limit order requires a price")
		}

		if r.Price.Unwrap().LessThanOrEqual(decimal.Zero) {
			return errors.New(errors.ErrCodeInvalidPrice, "limit order price must be greater than zero")
		}
	}

	return nil
}

// Notional returns price * quantity, the monetary size of the request. For
// market orders the market reference price is used; if neither price is known
// the notional is zero.
func (r *OrderRequest) Notional() decimal.Decimal {
	price := decimal.Zero
	if r.Price.IsSome() {
		price = r.Price.Unwrap()
	} else if r.MarketPrice.IsSome() {
		price = r.MarketPrice.Unwrap()
	}

	return price.Mul(r.Quantity)
}

// Order is the execution adapter's view of an order at the venue. The client
// order identifier is generated once and is the sole idempotency key; the
// venue order identifier is assigned by the exchange on acceptance.
type Order struct {
	// ClientOrderID is immutable once created.
	ClientOrderID  string                           `yaml:"client_order_id" json:"client_order_id"`
	VenueOrderID   string                           `yaml:"venue_order_id" json:"venue_order_id"`
	Symbol         string                           `yaml:"symbol" json:"symbol"`
	Side           OrderSide                        `yaml:"side" json:"side"`
	Type           OrderType                        `yaml:"type" json:"type"`
	Quantity       decimal.Decimal                  `yaml:"quantity" json:"quantity"`
	Price          optional.Option[decimal.Decimal] `yaml:"price" json:"price"`
	State          OrderState                       `yaml:"state" json:"state"`
	FilledQuantity decimal.Decimal                  `yaml:"filled_quantity" json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal                  `yaml:"avg_fill_price" json:"avg_fill_price"`
	Fee            decimal.Decimal                  `yaml:"fee" json:"fee"`
	StrategyTag    string                           `yaml:"strategy_tag" json:"strategy_tag"`
	CorrelationID  string                           `yaml:"correlation_id" json:"correlation_id"`
	CreatedAt      time.Time                        `yaml:"created_at" json:"created_at"`
	UpdatedAt      time.Time                        `yaml:"updated_at" json:"updated_at"`
}

// SignedFilledQuantity returns the filled quantity signed by side: positive
// for buys, negative for sells.
func (o *Order) SignedFilledQuantity() decimal.Decimal {
	if o.Side == OrderSideSell {
		return o.FilledQuantity.Neg()
	}

	return o.FilledQuantity
}
