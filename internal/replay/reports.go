package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mokksdz/manchengo-sub003/internal/event"
	"github.com/Mokksdz/manchengo-sub003/internal/eventstore"
	"go.uber.org/zap"
)

// StockMovementEntry is one line of a stock history.
type StockMovementEntry struct {
	Date      time.Time      `json:"date"`
	Version   int64          `json:"version"`
	EventType event.Type     `json:"eventType"`
	Quantity  float64        `json:"quantity"`
	Balance   float64        `json:"balance"`
	Metadata  event.Metadata `json:"metadata"`
}

// StockHistory is the running balance of one raw-material product.
type StockHistory struct {
	History      []StockMovementEntry `json:"history"`
	FinalBalance float64              `json:"finalBalance"`
	TotalIn      float64              `json:"totalIn"`
	TotalOut     float64              `json:"totalOut"`
}

// StockHistory replays the stock events of product productID within
// [from, to]. Zero times leave the range open.
func (e *Engine) StockHistory(ctx context.Context, productID string, from, to time.Time) (StockHistory, error) {
	events, err := e.searchAll(ctx, eventstore.Criteria{
		AggregateType: "ProductMp",
		AggregateID:   productID,
		Categories:    []event.Category{event.CategoryStock},
		FromDate:      from,
		ToDate:        to,
	})
	if err != nil {
		return StockHistory{}, fmt.Errorf("stock history of %s: %w", productID, err)
	}

	h := StockHistory{History: make([]StockMovementEntry, 0, len(events))}
	for _, ev := range events {
		m, err := event.DecodeAs[event.StockMovement](ev)
		if err != nil {
			return StockHistory{}, err
		}
		delta := m.Signed(ev.Type)
		h.FinalBalance += delta
		if delta >= 0 {
			h.TotalIn += delta
		} else {
			h.TotalOut -= delta
		}
		h.History = append(h.History, StockMovementEntry{
			Date:      ev.CreatedAt,
			Version:   ev.Version,
			EventType: ev.Type,
			Quantity:  delta,
			Balance:   h.FinalBalance,
			Metadata:  ev.Metadata,
		})
	}
	return h, nil
}

// Production order states derived from the log.
const (
	OrderCreated    = "CREATED"
	OrderInProgress = "IN_PROGRESS"
	OrderCompleted  = "COMPLETED"
	OrderCancelled  = "CANCELLED"
)

// ProductionOrderSummary is the replayed state of one production order.
type ProductionOrderSummary struct {
	OrderID     string              `json:"orderId"`
	RecipeID    string              `json:"recipeId,omitempty"`
	RecipeName  string              `json:"recipeName"`
	Status      string              `json:"status"`
	PlannedQty  float64             `json:"plannedQty"`
	ActualQty   float64             `json:"actualQty"`
	CreatedAt   time.Time           `json:"createdAt"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
	Events      []event.DomainEvent `json:"events"`
}

// ProductionStats aggregates a production history.
type ProductionStats struct {
	TotalOrders int `json:"totalOrders"`
	Completed   int `json:"completed"`
	Cancelled   int `json:"cancelled"`
	// AverageCompletionMinutes is measured from the first event of an order to
	// its completion.
	AverageCompletionMinutes float64 `json:"averageCompletionTime"`
}

// ProductionHistory lists production orders in order of first appearance.
type ProductionHistory struct {
	Orders []ProductionOrderSummary `json:"orders"`
	Stats  ProductionStats          `json:"stats"`
}

// ProductionHistory replays production events within [from, to]. A non-empty
// recipeID keeps only orders of that recipe.
func (e *Engine) ProductionHistory(ctx context.Context, from, to time.Time, recipeID string) (ProductionHistory, error) {
	events, err := e.searchAll(ctx, eventstore.Criteria{
		Categories: []event.Category{event.CategoryProduction},
		FromDate:   from,
		ToDate:     to,
	})
	if err != nil {
		return ProductionHistory{}, fmt.Errorf("production history: %w", err)
	}

	var order []string
	orders := make(map[string]*ProductionOrderSummary)
	for _, ev := range events {
		if ev.Type == event.RecipeCreated || ev.Type == event.RecipeUpdated {
			continue
		}
		p, err := event.DecodeAs[event.ProductionOrder](ev)
		if err != nil {
			return ProductionHistory{}, err
		}
		id := p.OrderID
		if id == "" {
			id = ev.AggregateID
		}

		o, ok := orders[id]
		if !ok {
			o = &ProductionOrderSummary{
				OrderID:    id,
				RecipeID:   p.RecipeID,
				RecipeName: p.RecipeName,
				Status:     OrderCreated,
				PlannedQty: p.PlannedQuantity,
				CreatedAt:  ev.CreatedAt,
			}
			if o.RecipeName == "" {
				o.RecipeName = "Unknown"
			}
			orders[id] = o
			order = append(order, id)
		}
		if o.RecipeID == "" {
			o.RecipeID = p.RecipeID
		}
		o.Events = append(o.Events, ev)

		switch ev.Type {
		case event.ProductionOrderStarted:
			o.Status = OrderInProgress
		case event.ProductionOrderCompleted:
			o.Status = OrderCompleted
			at := ev.CreatedAt
			o.CompletedAt = &at
			o.ActualQty = p.ActualQuantity
			if o.ActualQty == 0 {
				o.ActualQty = o.PlannedQty
			}
		case event.ProductionOrderCancelled:
			o.Status = OrderCancelled
		}
	}

	h := ProductionHistory{Orders: make([]ProductionOrderSummary, 0, len(order))}
	var total time.Duration
	var timed int
	for _, id := range order {
		o := orders[id]
		if recipeID != "" && o.RecipeID != recipeID {
			continue
		}
		h.Orders = append(h.Orders, *o)
		switch o.Status {
		case OrderCompleted:
			h.Stats.Completed++
			if o.CompletedAt != nil {
				total += o.CompletedAt.Sub(o.CreatedAt)
				timed++
			}
		case OrderCancelled:
			h.Stats.Cancelled++
		}
	}
	h.Stats.TotalOrders = len(h.Orders)
	if timed > 0 {
		h.Stats.AverageCompletionMinutes = total.Minutes() / float64(timed)
	}
	return h, nil
}

// TimelineEntry is one described event of a timeline.
type TimelineEntry struct {
	Timestamp   time.Time       `json:"timestamp"`
	Version     int64           `json:"version"`
	Type        event.Type      `json:"type"`
	Description string          `json:"description"`
	UserID      string          `json:"userId,omitempty"`
	Payload     json.RawMessage `json:"metadata"`
}

// TimelineSummary counts the events of a timeline.
type TimelineSummary struct {
	TotalEvents int            `json:"totalEvents"`
	FirstEvent  *time.Time     `json:"firstEvent"`
	LastEvent   *time.Time     `json:"lastEvent"`
	EventTypes  map[string]int `json:"eventTypes"`
}

// Timeline is the human-readable history of one aggregate.
type Timeline struct {
	Events  []TimelineEntry `json:"events"`
	Summary TimelineSummary `json:"summary"`
}

// Timeline describes every event of one aggregate in version order.
func (e *Engine) Timeline(ctx context.Context, aggregateType, aggregateID string) (Timeline, error) {
	events, err := e.src.GetByAggregate(ctx, aggregateType, aggregateID, 0)
	if err != nil {
		return Timeline{}, fmt.Errorf("timeline of %s/%s: %w", aggregateType, aggregateID, err)
	}

	tl := Timeline{
		Events:  make([]TimelineEntry, 0, len(events)),
		Summary: TimelineSummary{TotalEvents: len(events), EventTypes: make(map[string]int)},
	}
	for _, ev := range events {
		tl.Events = append(tl.Events, TimelineEntry{
			Timestamp:   ev.CreatedAt,
			Version:     ev.Version,
			Type:        ev.Type,
			Description: Describe(ev),
			UserID:      ev.Metadata.UserID,
			Payload:     ev.Payload,
		})
		tl.Summary.EventTypes[string(ev.Type)]++
	}
	if len(events) > 0 {
		first, last := events[0].CreatedAt, events[len(events)-1].CreatedAt
		tl.Summary.FirstEvent = &first
		tl.Summary.LastEvent = &last
	}
	return tl, nil
}

// Describe renders a one-line description of e. Types without a dedicated
// wording are described by their name.
func Describe(e event.DomainEvent) string {
	v, err := e.Decode()
	if err != nil {
		return string(e.Type)
	}
	switch p := v.(type) {
	case *event.StockMovement:
		unit := p.Unit
		if unit == "" {
			unit = "units"
		}
		switch e.Type {
		case event.StockReceived:
			return fmt.Sprintf("Received %g %s", p.Quantity, unit)
		case event.StockConsumed:
			return fmt.Sprintf("Consumed %g %s", p.Quantity, unit)
		case event.StockAdjusted:
			return fmt.Sprintf("Stock adjusted by %g", p.Adjustment)
		}
	case *event.ProductionOrder:
		switch e.Type {
		case event.ProductionOrderCreated:
			return "Production order created: " + p.OrderNumber
		case event.ProductionOrderStarted:
			return "Production started"
		case event.ProductionOrderCompleted:
			return fmt.Sprintf("Production completed: %g units", p.ActualQuantity)
		}
	case *event.Alert:
		switch e.Type {
		case event.AlertCreated:
			return "Alert created: " + p.Message
		case event.AlertAcknowledged:
			return "Alert acknowledged"
		}
	}
	return string(e.Type)
}

// CorrelatedEvents returns every event that shares correlationID.
func (e *Engine) CorrelatedEvents(ctx context.Context, correlationID string) ([]event.DomainEvent, error) {
	return e.src.GetByCorrelation(ctx, correlationID)
}

// TypeInfo pairs an event type with its category.
type TypeInfo struct {
	Type     event.Type     `json:"type"`
	Category event.Category `json:"category"`
}

// EventTypes lists every known event type.
func EventTypes() []TypeInfo {
	types := event.Types()
	infos := make([]TypeInfo, 0, len(types))
	for _, t := range types {
		infos = append(infos, TypeInfo{Type: t, Category: t.Category()})
	}
	return infos
}

// searchAll pages through search until no page is left.
func (e *Engine) searchAll(ctx context.Context, c eventstore.Criteria) ([]event.DomainEvent, error) {
	c.Limit = e.pageSize
	c.Offset = 0

	var all []event.DomainEvent
	for {
		page, err := e.src.Search(ctx, c)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Events...)
		if !page.HasMore || len(page.Events) == 0 {
			break
		}
		c.Offset += len(page.Events)
	}
	e.logger.Debug("report scan complete", zap.Int("events", len(all)))
	return all, nil
}
