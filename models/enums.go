package models

import (
	"fmt"
	"strings"
)

// OrderStatus is the closed lifecycle enumeration of an order.
type OrderStatus string

const (
	OrderStatusDraft            OrderStatus = "draft"
	OrderStatusAwaitingPayment  OrderStatus = "awaiting_payment"
	OrderStatusAwaitingShipment OrderStatus = "awaiting_shipment"
	OrderStatusOnHold           OrderStatus = "on_hold"
	OrderStatusShipped          OrderStatus = "shipped"
	OrderStatusCancelled        OrderStatus = "cancelled"
)

var orderStatusAliases = map[string]OrderStatus{
	"draft":             OrderStatusDraft,
	"awaiting_payment":  OrderStatusAwaitingPayment,
	"pending":           OrderStatusAwaitingPayment,
	"awaiting_shipment": OrderStatusAwaitingShipment,
	"processing":        OrderStatusAwaitingShipment,
	"on_hold":           OrderStatusOnHold,
	"shipped":           OrderStatusShipped,
	"completed":         OrderStatusShipped,
	"cancelled":         OrderStatusCancelled,
	"canceled":          OrderStatusCancelled,
}

// ParseOrderStatus maps a remote status string onto the closed enumeration.
// Unknown strings are an error; callers treat them as a corrupt payload.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if st, ok := orderStatusAliases[key]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown order status %q", raw)
}

// IsTerminal reports whether no further transitions happen from s.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusShipped || s == OrderStatusCancelled
}

// MovesToHistory reports whether reaching s archives the order.
func (s OrderStatus) MovesToHistory() bool {
	return s == OrderStatusShipped
}

func TerminalOrderStatuses() []OrderStatus {
	return []OrderStatus{OrderStatusShipped, OrderStatusCancelled}
}

// TrackingCode is the normalized carrier status.
type TrackingCode string

const (
	TrackingCodeUnknown        TrackingCode = "unknown"
	TrackingCodeAccepted       TrackingCode = "accepted"
	TrackingCodeInTransit      TrackingCode = "in_transit"
	TrackingCodeOutForDelivery TrackingCode = "out_for_delivery"
	TrackingCodeException      TrackingCode = "exception"
	TrackingCodeDelivered      TrackingCode = "delivered"
)

var trackingCodeAliases = map[string]TrackingCode{
	"unknown":          TrackingCodeUnknown,
	"accepted":         TrackingCodeAccepted,
	"label_created":    TrackingCodeAccepted,
	"in_transit":       TrackingCodeInTransit,
	"out_for_delivery": TrackingCodeOutForDelivery,
	"exception":        TrackingCodeException,
	"delivery_failed":  TrackingCodeException,
	"delivered":        TrackingCodeDelivered,
}

// ParseTrackingCode never fails: carriers invent codes, unmapped ones are unknown.
func ParseTrackingCode(raw string) TrackingCode {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if c, ok := trackingCodeAliases[key]; ok {
		return c
	}
	return TrackingCodeUnknown
}

func (c TrackingCode) IsTerminal() bool {
	return c == TrackingCodeDelivered
}

// StreamID names an independent sync stream.
type StreamID string

const (
	StreamOrderStatus    StreamID = "order_status"
	StreamBackfill       StreamID = "backfill"
	StreamTrackingStatus StreamID = "tracking_status"
	StreamAnomalies      StreamID = "anomalies"
)

func AllStreams() []StreamID {
	return []StreamID{StreamOrderStatus, StreamBackfill, StreamTrackingStatus, StreamAnomalies}
}

func ParseStreamID(raw string) (StreamID, error) {
	s := StreamID(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllStreams() {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stream %q", raw)
}

type AlertType string

const (
	AlertTypeDuplicateOrder    AlertType = "duplicate_order"
	AlertTypeLotMismatch       AlertType = "lot_mismatch"
	AlertTypeQuantityMismatch  AlertType = "quantity_mismatch"
	AlertTypeGhostOrder        AlertType = "ghost_order"
	AlertTypeDuplicateLine     AlertType = "duplicate_line"
	AlertTypeItemMissingRemote AlertType = "item_missing_remote"
)

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusOK      RunStatus = "ok"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
	RunStatusSkipped RunStatus = "skipped"
)

const (
	TriggeredByCLI    = "cli"
	TriggeredByPubSub = "pubsub"
	TriggeredByRetry  = "retry"
)
