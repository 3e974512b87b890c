package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is the active copy of a remote order. One row per RemoteId.
type Order struct {
	ID               uint            `gorm:"primary_key" json:"id"`
	RemoteId         string          `gorm:"size:128;not null;uniqueIndex" json:"remote_id"`
	OrderNumber      string          `gorm:"size:128;index" json:"order_number"`
	Status           OrderStatus     `gorm:"size:32;not null;index" json:"status"`
	ShipToName       string          `gorm:"size:255" json:"ship_to_name"`
	ShipToStreet     string          `gorm:"size:255" json:"ship_to_street"`
	ShipToCity       string          `gorm:"size:128" json:"ship_to_city"`
	ShipToPostalCode string          `gorm:"size:32" json:"ship_to_postal_code"`
	ShipToCountry    string          `gorm:"size:8" json:"ship_to_country"`
	CarrierCode      string          `gorm:"size:64" json:"carrier_code"`
	ServiceCode      string          `gorm:"size:64" json:"service_code"`
	TrackingNumber   string          `gorm:"size:128" json:"tracking_number"`
	RemoteModifiedAt time.Time       `gorm:"not null" json:"remote_modified_at"`
	ItemCount        int             `gorm:"not null;default:0" json:"item_count"`
	TotalQuantity    decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_quantity"`
	Items            []OrderItem     `gorm:"foreignKey:OrderId" json:"items,omitempty"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderItem is one product line. (OrderId, ProductId) is unique.
type OrderItem struct {
	ID        uint            `gorm:"primary_key" json:"id"`
	OrderId   uint            `gorm:"not null;uniqueIndex:idx_order_item_product,priority:1" json:"order_id"`
	ProductId string          `gorm:"size:128;not null;uniqueIndex:idx_order_item_product,priority:2" json:"product_id"`
	LotNumber string          `gorm:"size:128" json:"lot_number"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderHistory is the archived copy of a shipped order.
type OrderHistory struct {
	ID               uint               `gorm:"primary_key" json:"id"`
	OriginalOrderId  uint               `gorm:"index" json:"original_order_id"`
	RemoteId         string             `gorm:"size:128;not null;uniqueIndex" json:"remote_id"`
	OrderNumber      string             `gorm:"size:128;index" json:"order_number"`
	Status           OrderStatus        `gorm:"size:32;not null" json:"status"`
	ShipToName       string             `gorm:"size:255" json:"ship_to_name"`
	ShipToStreet     string             `gorm:"size:255" json:"ship_to_street"`
	ShipToCity       string             `gorm:"size:128" json:"ship_to_city"`
	ShipToPostalCode string             `gorm:"size:32" json:"ship_to_postal_code"`
	ShipToCountry    string             `gorm:"size:8" json:"ship_to_country"`
	CarrierCode      string             `gorm:"size:64" json:"carrier_code"`
	ServiceCode      string             `gorm:"size:64" json:"service_code"`
	TrackingNumber   string             `gorm:"size:128" json:"tracking_number"`
	RemoteModifiedAt time.Time          `gorm:"not null" json:"remote_modified_at"`
	ItemCount        int                `gorm:"not null;default:0" json:"item_count"`
	TotalQuantity    decimal.Decimal    `gorm:"type:decimal(20,4);not null;default:0" json:"total_quantity"`
	Items            []OrderItemHistory `gorm:"foreignKey:OrderHistoryId" json:"items,omitempty"`
	ArchivedAt       time.Time          `gorm:"not null" json:"archived_at"`
	CreatedAt        time.Time          `gorm:"autoCreateTime" json:"created_at"`
}

type OrderItemHistory struct {
	ID             uint            `gorm:"primary_key" json:"id"`
	OrderHistoryId uint            `gorm:"not null;uniqueIndex:idx_order_item_history_product,priority:1" json:"order_history_id"`
	ProductId      string          `gorm:"size:128;not null;uniqueIndex:idx_order_item_history_product,priority:2" json:"product_id"`
	LotNumber      string          `gorm:"size:128" json:"lot_number"`
	Quantity       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// ToHistory copies the header; items are copied separately once the history id exists.
func (o Order) ToHistory(archivedAt time.Time) OrderHistory {
	return OrderHistory{
		OriginalOrderId:  o.ID,
		RemoteId:         o.RemoteId,
		OrderNumber:      o.OrderNumber,
		Status:           o.Status,
		ShipToName:       o.ShipToName,
		ShipToStreet:     o.ShipToStreet,
		ShipToCity:       o.ShipToCity,
		ShipToPostalCode: o.ShipToPostalCode,
		ShipToCountry:    o.ShipToCountry,
		CarrierCode:      o.CarrierCode,
		ServiceCode:      o.ServiceCode,
		TrackingNumber:   o.TrackingNumber,
		RemoteModifiedAt: o.RemoteModifiedAt,
		ItemCount:        o.ItemCount,
		TotalQuantity:    o.TotalQuantity,
		ArchivedAt:       archivedAt,
	}
}

func (i OrderItem) ToHistory(orderHistoryId uint) OrderItemHistory {
	return OrderItemHistory{
		OrderHistoryId: orderHistoryId,
		ProductId:      i.ProductId,
		LotNumber:      i.LotNumber,
		Quantity:       i.Quantity,
	}
}

// SumQuantity returns the item count and the total quantity of items.
func SumQuantity(items []OrderItem) (int, decimal.Decimal) {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Quantity)
	}
	return len(items), total
}

// CursorPrecision is the fractional-second precision DATETIME columns keep.
const CursorPrecision = time.Millisecond

// CursorTime truncates t to what a DATETIME(3) column stores. MySQL rounds
// extra digits, so remote timestamps and cursors are cut before they are
// compared or persisted.
func CursorTime(t time.Time) time.Time {
	return t.UTC().Truncate(CursorPrecision)
}
