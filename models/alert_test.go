package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertAlertKeepsOneOpenRowPerSubject(t *testing.T) {
	db := testutil.OpenDB(t)
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	created, err := models.UpsertAlert(db, models.NewAlert{SubjectKey: "#1", AlertType: models.AlertTypeDuplicateOrder, Detail: map[string]int{"orders": 2}, DetectedAt: at})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = models.UpsertAlert(db, models.NewAlert{SubjectKey: "#1", AlertType: models.AlertTypeDuplicateOrder, Detail: map[string]int{"orders": 3}, DetectedAt: at.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, created)

	alerts := testutil.OpenAlerts(t, db, models.AlertTypeDuplicateOrder)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].DetectedAt.Equal(at.Add(time.Hour)))
	var detail map[string]int
	require.NoError(t, json.Unmarshal(alerts[0].DetailJSON, &detail))
	assert.Equal(t, 3, detail["orders"])

	// Same subject under another type is a separate alert.
	created, err = models.UpsertAlert(db, models.NewAlert{SubjectKey: "#1", AlertType: models.AlertTypeGhostOrder, DetectedAt: at})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestResolveAlertThenRedetectOpensFreshRow(t *testing.T) {
	db := testutil.OpenDB(t)
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := models.UpsertAlert(db, models.NewAlert{SubjectKey: "r1", AlertType: models.AlertTypeGhostOrder, DetectedAt: at})
	require.NoError(t, err)
	require.NoError(t, models.ResolveAlert(db, models.AlertTypeGhostOrder, "r1", at.Add(time.Minute)))
	assert.Empty(t, testutil.OpenAlerts(t, db, models.AlertTypeGhostOrder))

	created, err := models.UpsertAlert(db, models.NewAlert{SubjectKey: "r1", AlertType: models.AlertTypeGhostOrder, DetectedAt: at.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, testutil.OpenAlerts(t, db, models.AlertTypeGhostOrder), 1)
	assert.EqualValues(t, 2, testutil.CountRows(t, db, &models.SyncAlert{}, "subject_key = ?", "r1"))
}

func TestUpsertAlertRequiresSubjectAndType(t *testing.T) {
	db := testutil.OpenDB(t)
	_, err := models.UpsertAlert(db, models.NewAlert{AlertType: models.AlertTypeGhostOrder})
	assert.Error(t, err)
	_, err = models.UpsertAlert(db, models.NewAlert{SubjectKey: "r1"})
	assert.Error(t, err)
}
