package syncengine

import (
	"time"

	"github.com/mmdatafocus/ordersync/models"
)

// CycleReport summarizes one cycle of one stream.
type CycleReport struct {
	Stream          models.StreamID  `json:"stream"`
	RunID           string           `json:"run_id"`
	Status          models.RunStatus `json:"status"`
	Fetched         int              `json:"fetched"`
	Merged          int              `json:"merged"`
	Skipped         int              `json:"skipped"`
	Archived        int              `json:"archived"`
	Backfilled      int              `json:"backfilled"`
	Cancelled       int              `json:"cancelled"`
	WorkInProgress  int              `json:"work_in_progress"`
	Rejected        int              `json:"rejected"`
	Contended       int              `json:"contended"`
	TrackingChecked int              `json:"tracking_checked"`
	Delivered       int              `json:"delivered"`
	// Flagged counts alerts the cycle opened. Refreshing an open alert is not counted.
	Flagged         int              `json:"flagged"`
	Errors          int              `json:"errors"`
	Fatal           int              `json:"fatal"`
	WatermarkBefore time.Time        `json:"watermark_before"`
	WatermarkAfter  time.Time        `json:"watermark_after"`
	Duration        time.Duration    `json:"duration"`
}

// decideStatus: fatal or errors without any success fail the run; errors
// alongside successes make it partial.
func decideStatus(r CycleReport, successes int) models.RunStatus {
	switch {
	case r.Fatal > 0:
		return models.RunStatusFailed
	case r.Errors > 0 && successes == 0:
		return models.RunStatusFailed
	case r.Errors > 0:
		return models.RunStatusPartial
	default:
		return models.RunStatusOK
	}
}

// ExitCode maps a cycle status onto the process exit code of the CLI.
func ExitCode(status models.RunStatus) int {
	switch status {
	case models.RunStatusOK, models.RunStatusSkipped:
		return 0
	case models.RunStatusPartial:
		return 2
	default:
		return 1
	}
}
