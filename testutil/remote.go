package testutil

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mmdatafocus/ordersync/gateway"
)

// FakeRemote is an in-memory remote order API. Orders holds the remote
// truth; FetchChanged serves it in modified_at order, paginated by offset.
// The Err hooks inject failures per call; when a hook returns nil the call
// is served normally.
type FakeRemote struct {
	mu sync.Mutex

	orders   map[string]gateway.RemoteOrder
	tracking map[string]gateway.TrackingInfo

	ChangedErr  func(q gateway.ChangedQuery, call int) error
	DetailErr   func(remoteID string, call int) error
	TrackingErr func(trackingNumber string, call int) error

	ChangedCalls  []gateway.ChangedQuery
	DetailCalls   []string
	TrackingCalls []string
}

func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		orders:   map[string]gateway.RemoteOrder{},
		tracking: map[string]gateway.TrackingInfo{},
	}
}

// Put stores or replaces a remote order.
func (f *FakeRemote) Put(orders ...gateway.RemoteOrder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range orders {
		f.orders[o.ID] = o
	}
}

// Remove makes FetchDetail answer 404 for the order.
func (f *FakeRemote) Remove(remoteID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.orders, remoteID)
}

func (f *FakeRemote) PutTracking(info gateway.TrackingInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracking[info.TrackingNumber] = info
}

func (f *FakeRemote) DetailCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.DetailCalls)
}

func (f *FakeRemote) FetchChanged(ctx context.Context, q gateway.ChangedQuery) (*gateway.ChangedPage, error) {
	f.mu.Lock()
	f.ChangedCalls = append(f.ChangedCalls, q)
	call := len(f.ChangedCalls)
	hook := f.ChangedErr
	f.mu.Unlock()
	if hook != nil {
		if err := hook(q, call); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &gateway.Error{Kind: gateway.KindTransient, Op: "fetch_changed", Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	since := q.Since.UTC()
	var matched []gateway.RemoteOrder
	for _, o := range f.orders {
		if !o.ModifiedAt.Before(since) {
			matched = append(matched, summary(o))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].ModifiedAt.Equal(matched[j].ModifiedAt) {
			return matched[i].ModifiedAt.Before(matched[j].ModifiedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	offset, _ := strconv.Atoi(q.PageToken)
	if offset > len(matched) {
		offset = len(matched)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}

	page := &gateway.ChangedPage{Orders: matched[offset:end], NextCursor: since}
	for _, o := range page.Orders {
		if o.ModifiedAt.After(page.NextCursor) {
			page.NextCursor = o.ModifiedAt.UTC()
		}
	}
	if end < len(matched) {
		page.HasMore = true
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *FakeRemote) FetchDetail(ctx context.Context, remoteID string) (*gateway.RemoteOrder, error) {
	f.mu.Lock()
	f.DetailCalls = append(f.DetailCalls, remoteID)
	call := len(f.DetailCalls)
	hook := f.DetailErr
	f.mu.Unlock()
	if hook != nil {
		if err := hook(remoteID, call); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[remoteID]
	if !ok {
		return nil, &gateway.Error{Kind: gateway.KindNotFound, Op: "fetch_detail", StatusCode: 404}
	}
	o.Items = append([]gateway.RemoteItem{}, o.Items...)
	return &o, nil
}

func (f *FakeRemote) FetchTracking(ctx context.Context, carrierCode string, trackingNumber string) (*gateway.TrackingInfo, error) {
	f.mu.Lock()
	f.TrackingCalls = append(f.TrackingCalls, trackingNumber)
	call := len(f.TrackingCalls)
	hook := f.TrackingErr
	f.mu.Unlock()
	if hook != nil {
		if err := hook(trackingNumber, call); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.tracking[trackingNumber]
	if !ok {
		return nil, &gateway.Error{Kind: gateway.KindNotFound, Op: "fetch_tracking", StatusCode: 404}
	}
	return &info, nil
}

// summary returns the order as the list endpoint reports it, lines included.
func summary(o gateway.RemoteOrder) gateway.RemoteOrder {
	if o.Items != nil {
		o.Items = append([]gateway.RemoteItem{}, o.Items...)
	}
	return o
}

// RemoteOrderAt builds a remote order snapshot.
func RemoteOrderAt(id string, number string, status string, modifiedAt time.Time, items ...gateway.RemoteItem) gateway.RemoteOrder {
	return gateway.RemoteOrder{
		ID:          id,
		OrderNumber: number,
		Status:      status,
		ModifiedAt:  modifiedAt.UTC(),
		Items:       items,
	}
}

func Item(productID string, lot string, qty int64) gateway.RemoteItem {
	return gateway.RemoteItem{ProductId: productID, LotNumber: lot, Quantity: Qty(qty)}
}

// RateLimited is a 429 with a retry hint.
func RateLimited(retryAfter time.Duration) error {
	return &gateway.Error{Kind: gateway.KindRateLimited, Op: "fake", StatusCode: 429, RetryAfter: retryAfter}
}

func Transient() error {
	return &gateway.Error{Kind: gateway.KindTransient, Op: "fake", StatusCode: 503}
}

func Fatal() error {
	return &gateway.Error{Kind: gateway.KindFatal, Op: "fake", StatusCode: 401}
}
