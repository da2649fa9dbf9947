package event

import "slices"

// Category is a coarse grouping of event types.
type Category string

const (
	CategoryStock       Category = "STOCK"
	CategoryProduction  Category = "PRODUCTION"
	CategoryProcurement Category = "APPRO"
	CategorySupplier    Category = "SUPPLIER"
	CategoryUser        Category = "USER"
	CategorySystem      Category = "SYSTEM"
)

// Type identifies what happened. The set is closed.
type Type string

const (
	StockReceived    Type = "STOCK_RECEIVED"
	StockConsumed    Type = "STOCK_CONSUMED"
	StockAdjusted    Type = "STOCK_ADJUSTED"
	StockTransferred Type = "STOCK_TRANSFERRED"
	LotCreated       Type = "LOT_CREATED"
	LotConsumed      Type = "LOT_CONSUMED"
	LotExpired       Type = "LOT_EXPIRED"

	ProductionOrderCreated   Type = "PRODUCTION_ORDER_CREATED"
	ProductionOrderStarted   Type = "PRODUCTION_ORDER_STARTED"
	ProductionOrderCompleted Type = "PRODUCTION_ORDER_COMPLETED"
	ProductionOrderCancelled Type = "PRODUCTION_ORDER_CANCELLED"
	RecipeCreated            Type = "RECIPE_CREATED"
	RecipeUpdated            Type = "RECIPE_UPDATED"

	AlertCreated           Type = "ALERT_CREATED"
	AlertAcknowledged      Type = "ALERT_ACKNOWLEDGED"
	AlertResolved          Type = "ALERT_RESOLVED"
	PurchaseOrderCreated   Type = "PURCHASE_ORDER_CREATED"
	PurchaseOrderValidated Type = "PURCHASE_ORDER_VALIDATED"
	PurchaseOrderReceived  Type = "PURCHASE_ORDER_RECEIVED"

	SupplierCreated      Type = "SUPPLIER_CREATED"
	SupplierUpdated      Type = "SUPPLIER_UPDATED"
	SupplierGradeChanged Type = "SUPPLIER_GRADE_CHANGED"
	SupplierDeactivated  Type = "SUPPLIER_DEACTIVATED"

	UserLoggedIn           Type = "USER_LOGGED_IN"
	UserLoggedOut          Type = "USER_LOGGED_OUT"
	UserRoleChanged        Type = "USER_ROLE_CHANGED"
	UserPermissionsChanged Type = "USER_PERMISSIONS_CHANGED"

	SystemStartup  Type = "SYSTEM_STARTUP"
	SystemShutdown Type = "SYSTEM_SHUTDOWN"
	ConfigChanged  Type = "CONFIG_CHANGED"
	SyncCompleted  Type = "SYNC_COMPLETED"
)

// categories maps every known type to the category it belongs to.
var categories = map[Type]Category{
	StockReceived:    CategoryStock,
	StockConsumed:    CategoryStock,
	StockAdjusted:    CategoryStock,
	StockTransferred: CategoryStock,
	LotCreated:       CategoryStock,
	LotConsumed:      CategoryStock,
	LotExpired:       CategoryStock,

	ProductionOrderCreated:   CategoryProduction,
	ProductionOrderStarted:   CategoryProduction,
	ProductionOrderCompleted: CategoryProduction,
	ProductionOrderCancelled: CategoryProduction,
	RecipeCreated:            CategoryProduction,
	RecipeUpdated:            CategoryProduction,

	AlertCreated:           CategoryProcurement,
	AlertAcknowledged:      CategoryProcurement,
	AlertResolved:          CategoryProcurement,
	PurchaseOrderCreated:   CategoryProcurement,
	PurchaseOrderValidated: CategoryProcurement,
	PurchaseOrderReceived:  CategoryProcurement,

	SupplierCreated:      CategorySupplier,
	SupplierUpdated:      CategorySupplier,
	SupplierGradeChanged: CategorySupplier,
	SupplierDeactivated:  CategorySupplier,

	UserLoggedIn:           CategoryUser,
	UserLoggedOut:          CategoryUser,
	UserRoleChanged:        CategoryUser,
	UserPermissionsChanged: CategoryUser,

	SystemStartup:  CategorySystem,
	SystemShutdown: CategorySystem,
	ConfigChanged:  CategorySystem,
	SyncCompleted:  CategorySystem,
}

// Valid reports whether t belongs to the closed set of event types.
func (t Type) Valid() bool {
	_, ok := categories[t]
	return ok
}

// Category returns the category t belongs to, or "" for unknown types.
func (t Type) Category() Category {
	return categories[t]
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryStock, CategoryProduction, CategoryProcurement,
		CategorySupplier, CategoryUser, CategorySystem:
		return true
	}
	return false
}

// Types returns every known event type in a stable order.
func Types() []Type {
	out := make([]Type, 0, len(categories))
	for t := range categories {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Categories returns every known category.
func Categories() []Category {
	return []Category{
		CategoryStock, CategoryProduction, CategoryProcurement,
		CategorySupplier, CategoryUser, CategorySystem,
	}
}
