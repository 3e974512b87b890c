package reconcile

import (
	"testing"

	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/gateway"
	"github.com/mmdatafocus/ordersync/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollapseLines(t *testing.T) {
	cases := []struct {
		name      string
		policy    string
		items     []gateway.RemoteItem
		wantLines []Line
		wantDup   []string
	}{
		{
			name:   "distinct products pass through",
			policy: config.DuplicateLinePolicyReject,
			items:  []gateway.RemoteItem{testutil.Item("SKU-1", "L1", 2), testutil.Item("SKU-2", "", 1)},
			wantLines: []Line{
				{ProductId: "SKU-1", LotNumber: "L1", Quantity: testutil.Qty(2)},
				{ProductId: "SKU-2", LotNumber: "", Quantity: testutil.Qty(1)},
			},
		},
		{
			name:    "reject refuses any duplicate",
			policy:  config.DuplicateLinePolicyReject,
			items:   []gateway.RemoteItem{testutil.Item("SKU-9", "A", 1), testutil.Item("SKU-1", "L1", 1), testutil.Item("SKU-9", "A", 3)},
			wantDup: []string{"SKU-9"},
		},
		{
			name:   "aggregate sums same lot",
			policy: config.DuplicateLinePolicyAggregate,
			items:  []gateway.RemoteItem{testutil.Item("SKU-9", "A", 1), testutil.Item("SKU-9", "A", 3)},
			wantLines: []Line{
				{ProductId: "SKU-9", LotNumber: "A", Quantity: testutil.Qty(4)},
			},
		},
		{
			name:    "aggregate still rejects different lots",
			policy:  config.DuplicateLinePolicyAggregate,
			items:   []gateway.RemoteItem{testutil.Item("SKU-9", "A", 1), testutil.Item("SKU-9", "B", 3), testutil.Item("SKU-2", "", 1)},
			wantDup: []string{"SKU-9"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lines, err := CollapseLines(tc.items, tc.policy)
			if tc.wantDup != nil {
				var dup *DuplicateLineError
				require.ErrorAs(t, err, &dup)
				assert.Equal(t, tc.wantDup, dup.Products)
				assert.Len(t, dup.Lines, 2)
				assert.Nil(t, lines)
				return
			}
			require.NoError(t, err)
			require.Len(t, lines, len(tc.wantLines))
			for i := range lines {
				assert.Equal(t, tc.wantLines[i].ProductId, lines[i].ProductId)
				assert.Equal(t, tc.wantLines[i].LotNumber, lines[i].LotNumber)
				assert.True(t, tc.wantLines[i].Quantity.Equal(lines[i].Quantity))
			}
		})
	}
}
