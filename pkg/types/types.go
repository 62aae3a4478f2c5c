// Package types defines the shared vocabulary of the coordinator: domains,
// sides, priorities, order intents/requests, execution results, positions,
// and agent snapshots. It has no dependency on any internal package so it
// can be imported from agents, adapters, and the coordinator alike.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the binary outcome an intent or position refers to.
type Side string

const (
	Up   Side = "UP"
	Down Side = "DOWN"
)

// Opposite returns the other side of a binary market.
func (s Side) Opposite() Side {
	if s == Up {
		return Down
	}
	return Up
}

// Domain tags the strategy family an intent belongs to. It determines which
// capital allocator and which risk caps apply.
type Domain struct {
	Kind     DomainKind
	CustomID uint32 // only meaningful when Kind == DomainCustom
}

// DomainKind is the tag portion of a Domain.
type DomainKind int

const (
	DomainCrypto DomainKind = iota
	DomainSports
	DomainPolitics
	DomainEconomics
	DomainCustom
)

func (d DomainKind) String() string {
	switch d {
	case DomainCrypto:
		return "crypto"
	case DomainSports:
		return "sports"
	case DomainPolitics:
		return "politics"
	case DomainEconomics:
		return "economics"
	case DomainCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// String renders the domain the way ParseDomain accepts it back.
func (d Domain) String() string {
	if d.Kind == DomainCustom {
		return fmt.Sprintf("custom:%d", d.CustomID)
	}
	return d.Kind.String()
}

// Key returns a value usable as a map key that also distinguishes custom IDs.
func (d Domain) Key() string {
	return d.String()
}

// ParseDomain parses "crypto" | "sports" | "politics" | "economics" |
// "custom:<id>" (case-insensitive).
func ParseDomain(s string) (Domain, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "crypto":
		return Domain{Kind: DomainCrypto}, nil
	case "sports":
		return Domain{Kind: DomainSports}, nil
	case "politics":
		return Domain{Kind: DomainPolitics}, nil
	case "economics":
		return Domain{Kind: DomainEconomics}, nil
	}
	if rest, ok := strings.CutPrefix(s, "custom:"); ok {
		id, err := strconv.ParseUint(rest, 10, 32)
		if err != nil {
			return Domain{}, fmt.Errorf("parse custom domain id %q: %w", rest, err)
		}
		return Domain{Kind: DomainCustom, CustomID: uint32(id)}, nil
	}
	return Domain{}, fmt.Errorf("unrecognized domain %q", s)
}

// OrderPriority orders intents in the priority queue; lower value dequeues first.
type OrderPriority int

const (
	PriorityCritical OrderPriority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p OrderPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ————————————————————————————————————————————————————————————————————————
// Order intents & requests
// ————————————————————————————————————————————————————————————————————————

// OrderIntent is a proposed order submitted by an agent to the coordinator.
// Not yet committed to any exchange.
type OrderIntent struct {
	IntentID   uuid.UUID
	AgentID    string
	Domain     Domain
	MarketSlug string
	TokenID    string
	Side       Side
	IsBuy      bool
	Shares     uint64
	LimitPrice decimal.Decimal
	Priority   OrderPriority
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	Metadata   map[string]string
	Sequence   uint64 // assigned by the priority queue on enqueue; FIFO tie-break
}

// NotionalValue is limit_price * shares.
func (i OrderIntent) NotionalValue() decimal.Decimal {
	return i.LimitPrice.Mul(decimal.NewFromInt(int64(i.Shares)))
}

// Validate enforces the buy-intent invariant from spec.md §3: for buy
// intents, shares > 0 and limit_price > 0.
func (i OrderIntent) Validate() error {
	if i.IsBuy {
		if i.Shares == 0 {
			return fmt.Errorf("buy intent %s: shares must be > 0", i.IntentID)
		}
		if i.LimitPrice.Sign() <= 0 {
			return fmt.Errorf("buy intent %s: limit_price must be > 0", i.IntentID)
		}
	}
	return nil
}

// IsExpired reports whether the intent's expiry, if any, is in the past
// relative to now.
func (i OrderIntent) IsExpired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

// Meta looks up a recognized metadata key, treating a missing key or a
// blank (whitespace-only) value identically as "not present" — resolved
// per SPEC_FULL.md §9 Open Question 1.
func (i OrderIntent) Meta(key string) (string, bool) {
	v, ok := i.Metadata[key]
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

// Recognized metadata keys (spec.md §3).
const (
	MetaDeploymentID    = "deployment_id"
	MetaStrategy        = "strategy"
	MetaCoin            = "coin"
	MetaSymbol          = "symbol"
	MetaHorizon         = "horizon"
	MetaSeriesID        = "series_id"
	MetaEventSeriesID   = "event_series_id"
	MetaEventTime       = "event_time"
	MetaEventWindowSecs = "event_window_secs"
	MetaEntryPrice      = "entry_price"
	MetaExitReason      = "exit_reason"
	MetaIdempotencyKey  = "idempotency_key"
	MetaConfigHash      = "config_hash"
)

// OrderSide is the exchange-facing buy/sell direction of an OrderRequest.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType enumerates execution styles for an OrderRequest.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// TimeInForce controls how long an OrderRequest rests on the book.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFFOK TimeInForce = "FOK"
	TIFIOC TimeInForce = "IOC"
)

// OrderRequest is what the coordinator hands to the execution adapter.
type OrderRequest struct {
	ClientOrderID  string
	IdempotencyKey string
	TokenID        string
	MarketSide     Side
	OrderSide      OrderSide
	Shares         uint64
	LimitPrice     decimal.Decimal
	OrderType      OrderType
	TimeInForce    TimeInForce
}

// OrderStatus is the lifecycle state of a submitted order.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusSubmitted       OrderStatus = "submitted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
	StatusFailed          OrderStatus = "failed"
)

// IsTerminal reports whether the status is one of the terminal set.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired, StatusFailed:
		return true
	default:
		return false
	}
}

// ExecutionResult is what the execution adapter returns for a submitted order.
type ExecutionResult struct {
	OrderID      string
	Status       OrderStatus
	FilledShares uint64
	AvgFillPrice *decimal.Decimal
	ElapsedMs    int64
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Position is an open (or just-closed) holding in a single market/token/side
// for one agent.
type Position struct {
	PositionID   uuid.UUID
	AgentID      string
	Domain       Domain
	MarketSlug   string
	TokenID      string
	Side         Side
	Shares       uint64
	EntryPrice   decimal.Decimal
	CurrentPrice *decimal.Decimal
	IsHedged     bool
	EntryTime    time.Time
	UpdatedAt    time.Time
	Metadata     map[string]string
}

// NotionalValue is the position's current mark (falling back to entry price
// when no current price has been observed yet).
func (p Position) NotionalValue() decimal.Decimal {
	price := p.EntryPrice
	if p.CurrentPrice != nil {
		price = *p.CurrentPrice
	}
	return price.Mul(decimal.NewFromInt(int64(p.Shares)))
}

// ————————————————————————————————————————————————————————————————————————
// Agent contract types
// ————————————————————————————————————————————————————————————————————————

// AgentStatus is the lifecycle state of a strategy agent.
type AgentStatus string

const (
	AgentInitializing AgentStatus = "initializing"
	AgentRunning      AgentStatus = "running"
	AgentPaused       AgentStatus = "paused"
	AgentStopped      AgentStatus = "stopped"
	AgentError        AgentStatus = "error"
)

// CanTrade reports whether an agent in this status is permitted to emit new
// intents from on_event.
func (s AgentStatus) CanTrade() bool {
	return s == AgentRunning
}

// AgentSnapshot is the periodic heartbeat an agent reports to the coordinator.
type AgentSnapshot struct {
	AgentID       string
	Name          string
	Domain        Domain
	Status        AgentStatus
	PositionCount int
	Exposure      decimal.Decimal
	DailyPnL      decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Metrics       map[string]float64
	LastHeartbeat time.Time
	ErrorMessage  *string
}

// ExecutionReport informs an agent of the outcome of one of its own intents.
type ExecutionReport struct {
	IntentID uuid.UUID
	Result   ExecutionResult
	Err      error
}

// DomainEventKind enumerates event kinds delivered to agents via on_event.
type DomainEventKind int

const (
	EventDomainSpecific DomainEventKind = iota
	EventQuoteUpdate
	EventOrderUpdate
	EventTick
)

// DomainEvent is the single event type agents receive through on_event.
type DomainEvent struct {
	Kind    DomainEventKind
	Domain  Domain // only meaningful for EventDomainSpecific
	Now     time.Time
	Payload any
}

// ————————————————————————————————————————————————————————————————————————
// Control plane
// ————————————————————————————————————————————————————————————————————————

// IngressMode gates whether new intents are accepted.
type IngressMode string

const (
	IngressRunning IngressMode = "running"
	IngressPaused  IngressMode = "paused"
	IngressHalted  IngressMode = "halted"
)

// ControlKind enumerates operator control commands.
type ControlKind int

const (
	CmdPauseAll ControlKind = iota
	CmdResumeAll
	CmdForceCloseAll
	CmdShutdownAll
	CmdPauseDomain
	CmdResumeDomain
	CmdForceCloseDomain
	CmdShutdownDomain
)

// ControlCommand is sent to the coordinator's control channel by operators.
type ControlCommand struct {
	Kind   ControlKind
	Domain *Domain // nil = platform-wide
}

// CoordinatorCommand is the per-agent command the coordinator fans out in
// response to a ControlCommand.
type CoordinatorCommand int

const (
	AgentCmdPause CoordinatorCommand = iota
	AgentCmdResume
	AgentCmdForceClose
	AgentCmdShutdown
)
