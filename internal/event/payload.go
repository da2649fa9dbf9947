package event

import (
	"encoding/json"
	"fmt"
)

// StockMovement is the payload of STOCK_* and LOT_* events.
type StockMovement struct {
	ProductID    string  `json:"productId,omitempty"`
	Quantity     float64 `json:"quantity"`
	Unit         string  `json:"unit,omitempty"`
	MovementType string  `json:"movementType,omitempty"` // IN or OUT
	Adjustment   float64 `json:"adjustment,omitempty"`
	LotID        string  `json:"lotId,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}

// ProductionOrder is the payload of PRODUCTION_ORDER_* events.
type ProductionOrder struct {
	OrderID         string  `json:"orderId,omitempty"`
	OrderNumber     string  `json:"orderNumber,omitempty"`
	RecipeID        string  `json:"recipeId,omitempty"`
	RecipeName      string  `json:"recipeName,omitempty"`
	PlannedQuantity float64 `json:"plannedQuantity,omitempty"`
	ActualQuantity  float64 `json:"actualQuantity,omitempty"`
}

// Recipe is the payload of RECIPE_* events.
type Recipe struct {
	RecipeID string `json:"recipeId,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Alert is the payload of ALERT_* events.
type Alert struct {
	AlertID  string `json:"alertId,omitempty"`
	Message  string `json:"message,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// PurchaseOrder is the payload of PURCHASE_ORDER_* events.
type PurchaseOrder struct {
	OrderID    string  `json:"orderId,omitempty"`
	SupplierID string  `json:"supplierId,omitempty"`
	Total      float64 `json:"total,omitempty"`
}

// Supplier is the payload of SUPPLIER_* events.
type Supplier struct {
	SupplierID string `json:"supplierId,omitempty"`
	Name       string `json:"name,omitempty"`
	Grade      string `json:"grade,omitempty"`
}

// UserChange is the payload of USER_* events.
type UserChange struct {
	UserID      string   `json:"userId,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// SystemNotice is the payload of SYSTEM_* events.
type SystemNotice struct {
	Instance string `json:"instance,omitempty"`
	Message  string `json:"message,omitempty"`
	Version  int64  `json:"version,omitempty"`
}

// newPayload returns a pointer to the schema registered for t.
func newPayload(t Type) any {
	switch t {
	case StockReceived, StockConsumed, StockAdjusted, StockTransferred,
		LotCreated, LotConsumed, LotExpired:
		return new(StockMovement)
	case ProductionOrderCreated, ProductionOrderStarted,
		ProductionOrderCompleted, ProductionOrderCancelled:
		return new(ProductionOrder)
	case RecipeCreated, RecipeUpdated:
		return new(Recipe)
	case AlertCreated, AlertAcknowledged, AlertResolved:
		return new(Alert)
	case PurchaseOrderCreated, PurchaseOrderValidated, PurchaseOrderReceived:
		return new(PurchaseOrder)
	case SupplierCreated, SupplierUpdated, SupplierGradeChanged, SupplierDeactivated:
		return new(Supplier)
	case UserLoggedIn, UserLoggedOut, UserRoleChanged, UserPermissionsChanged:
		return new(UserChange)
	case SystemStartup, SystemShutdown, ConfigChanged, SyncCompleted:
		return new(SystemNotice)
	}
	return nil
}

// Decode unmarshals the payload into the schema registered for the event's type
// and returns a pointer to it (e.g. *StockMovement).
func (e DomainEvent) Decode() (any, error) {
	v := newPayload(e.Type)
	if v == nil {
		return nil, fmt.Errorf("decode payload: unknown event type %q", e.Type)
	}
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return v, nil
}

// DecodeAs unmarshals the payload of e into a T.
func DecodeAs[T any](e DomainEvent) (T, error) {
	var v T
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return v, nil
}

// Signed returns the balance change described by m: positive when stock comes
// in, negative when it goes out. An adjustment without a quantity carries its
// own sign.
func (m StockMovement) Signed(t Type) float64 {
	if t == StockAdjusted && m.Quantity == 0 {
		return m.Adjustment
	}
	if m.MovementType == "IN" || t == StockReceived {
		return m.Quantity
	}
	return -m.Quantity
}
