package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/gateway"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Line is one remote line after the duplicate-line policy was applied.
type Line struct {
	ProductId string
	LotNumber string
	Quantity  decimal.Decimal
}

// DuplicateLineError reports products that occur on more than one remote
// line and could not be collapsed. Lines holds every such line as received.
type DuplicateLineError struct {
	Products []string
	Lines    []gateway.RemoteItem
}

func (e *DuplicateLineError) Error() string {
	return fmt.Sprintf("duplicate product lines: %s", strings.Join(e.Products, ", "))
}

// CollapseLines applies policy to the remote lines of one order.
//
// reject: any product on two lines rejects the whole set.
// aggregate: lines of the same product and lot are summed; a product seen
// with two different lots is still rejected, one row cannot carry both.
func CollapseLines(items []gateway.RemoteItem, policy string) ([]Line, error) {
	byProduct := map[string][]gateway.RemoteItem{}
	var order []string
	for _, it := range items {
		pid := strings.TrimSpace(it.ProductId)
		if _, seen := byProduct[pid]; !seen {
			order = append(order, pid)
		}
		byProduct[pid] = append(byProduct[pid], it)
	}

	var bad []string
	lines := make([]Line, 0, len(order))
	for _, pid := range order {
		group := byProduct[pid]
		if len(group) == 1 {
			lines = append(lines, Line{ProductId: pid, LotNumber: group[0].LotNumber, Quantity: group[0].Quantity})
			continue
		}
		if policy != config.DuplicateLinePolicyAggregate || !sameLot(group) {
			bad = append(bad, pid)
			continue
		}
		sum := decimal.Zero
		for _, it := range group {
			sum = sum.Add(it.Quantity)
		}
		lines = append(lines, Line{ProductId: pid, LotNumber: group[0].LotNumber, Quantity: sum})
	}

	if len(bad) > 0 {
		sort.Strings(bad)
		dup := &DuplicateLineError{Products: bad}
		for _, pid := range bad {
			dup.Lines = append(dup.Lines, byProduct[pid]...)
		}
		return nil, dup
	}
	return lines, nil
}

func sameLot(group []gateway.RemoteItem) bool {
	for _, it := range group[1:] {
		if it.LotNumber != group[0].LotNumber {
			return false
		}
	}
	return true
}

type duplicateLineDetail struct {
	RemoteId string               `json:"remote_id"`
	Products []string             `json:"products"`
	Lines    []gateway.RemoteItem `json:"lines"`
}

// RaiseDuplicateLineAlert opens or refreshes the duplicate_line alert of an order.
func RaiseDuplicateLineAlert(tx *gorm.DB, orderID *uint, remoteID string, dup *DuplicateLineError, at time.Time) (bool, error) {
	return models.UpsertAlert(tx, models.NewAlert{
		OrderId:    orderID,
		SubjectKey: remoteID,
		AlertType:  models.AlertTypeDuplicateLine,
		Detail: duplicateLineDetail{
			RemoteId: remoteID,
			Products: dup.Products,
			Lines:    dup.Lines,
		},
		DetectedAt: at,
	})
}
