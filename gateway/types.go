package gateway

import (
	"time"

	"github.com/shopspring/decimal"
)

type RemoteAddress struct {
	Name       string `json:"name"`
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country" validate:"omitempty,len=2"`
}

type RemoteItem struct {
	ProductId string          `json:"sku" validate:"required"`
	LotNumber string          `json:"lot_number"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// RemoteOrder is one order snapshot as the remote system reports it.
// Items is nil when the remote response omitted lines (list summaries).
type RemoteOrder struct {
	ID             string        `json:"id" validate:"required"`
	OrderNumber    string        `json:"order_number" validate:"required"`
	Status         string        `json:"status" validate:"required"`
	ModifiedAt     time.Time     `json:"modified_at" validate:"required"`
	ShipTo         RemoteAddress `json:"ship_to"`
	CarrierCode    string        `json:"carrier_code"`
	ServiceCode    string        `json:"service_code"`
	TrackingNumber string        `json:"tracking_number"`
	Items          []RemoteItem  `json:"items" validate:"omitempty,dive"`
}

type ChangedQuery struct {
	Since     time.Time
	PageToken string
	Limit     int
}

// ChangedPage is one page of the changed-orders feed. NextCursor is the
// largest ModifiedAt on the page and never earlier than the query's Since.
type ChangedPage struct {
	Orders        []RemoteOrder
	NextPageToken string
	HasMore       bool
	NextCursor    time.Time
}

type TrackingInfo struct {
	TrackingNumber string    `json:"tracking_number" validate:"required"`
	CarrierCode    string    `json:"carrier_code"`
	StatusCode     string    `json:"status_code" validate:"required"`
	Description    string    `json:"description"`
	EventAt        time.Time `json:"event_at"`
}

type listResponse struct {
	Data       []RemoteOrder `json:"data"`
	NextCursor string        `json:"next_cursor"`
	HasMore    *bool         `json:"has_more"`
}
