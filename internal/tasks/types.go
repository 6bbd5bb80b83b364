package tasks

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ent0n29/taskpulse/internal/protocol"
)

type Status string

const (
	StatusStarted             Status = "started"
	StatusProcessing          Status = "processing"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
	StatusError               Status = "error"
)

// Partition names one of the three mutually exclusive retention buckets.
type Partition string

const (
	PartitionActive    Partition = "active"
	PartitionCompleted Partition = "completed"
	PartitionFailed    Partition = "failed"
)

var AllPartitions = []Partition{PartitionActive, PartitionCompleted, PartitionFailed}

func (s Status) Valid() bool {
	switch s {
	case StatusStarted, StatusProcessing, StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusError:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusError:
		return true
	default:
		return false
	}
}

func (s Status) Active() bool {
	return s == StatusStarted || s == StatusProcessing
}

// Partition maps a status to the bucket that holds it.
func (s Status) Partition() Partition {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors:
		return PartitionCompleted
	case StatusFailed, StatusError:
		return PartitionFailed
	default:
		return PartitionActive
	}
}

func (s Status) Title() string {
	switch s {
	case StatusStarted:
		return "Processing Started"
	case StatusProcessing:
		return "Processing in Progress"
	case StatusCompleted:
		return "Processing Complete"
	case StatusCompletedWithErrors:
		return "Processing Complete with Errors"
	case StatusFailed:
		return "Processing Failed"
	case StatusError:
		return "Processing Error"
	default:
		return string(s)
	}
}

type OperationKind string

const (
	OperationDailySales            OperationKind = "daily_sales"
	OperationInvoiceSync           OperationKind = "invoice_sync"
	OperationEmailTips             OperationKind = "email_tips"
	OperationUpdateFoodHandlerPDFs OperationKind = "update_food_handler_pdfs"
	OperationTransformTips         OperationKind = "transform_tips"
	OperationGetMPVs               OperationKind = "get_mpvs"
	OperationGetFoodHandlerLinks   OperationKind = "get_food_handler_links"
)

var operationDisplayNames = map[OperationKind]string{
	OperationDailySales:            "Daily Sales Processing",
	OperationInvoiceSync:           "Invoice Synchronization",
	OperationEmailTips:             "Tips Email Generation",
	OperationUpdateFoodHandlerPDFs: "Food Handler PDF Update",
	OperationTransformTips:         "Tips Transformation",
	OperationGetMPVs:               "Meal Period Violations",
	OperationGetFoodHandlerLinks:   "Food Handler PDF Links",
}

func (k OperationKind) Known() bool {
	_, ok := operationDisplayNames[k]
	return ok
}

// DisplayName falls back to the raw kind for operations this build does not know.
func (k OperationKind) DisplayName() string {
	if name, ok := operationDisplayNames[k]; ok {
		return name
	}
	return string(k)
}

var colorPalette = []string{
	"#3b82f6", // blue
	"#8b5cf6", // purple
	"#ec4899", // pink
	"#f97316", // orange
	"#10b981", // green
	"#06b6d4", // cyan
	"#f59e0b", // amber
	"#6366f1", // indigo
	"#14b8a6", // teal
	"#f43f5e", // rose
}

// ColorTag deterministically maps a task id onto the palette.
func ColorTag(taskID string) string {
	return colorPalette[xxhash.Sum64String(taskID)%uint64(len(colorPalette))]
}

type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

func (p Progress) Percent() int {
	if p.Total == 0 {
		return 0
	}
	return int(math.Round(float64(p.Current) / float64(p.Total) * 100))
}

type Record struct {
	ID          string          `json:"task_id"`
	Operation   OperationKind   `json:"operation"`
	Status      Status          `json:"status"`
	Progress    *Progress       `json:"progress,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	DisplayName string          `json:"display_name"`
	ColorTag    string          `json:"color"`
}

// NewRecord converts a wire payload, turning epoch seconds into time once.
func NewRecord(p protocol.TaskStatus) Record {
	rec := Record{
		ID:        strings.TrimSpace(p.TaskID),
		Operation: OperationKind(p.Operation),
		Status:    Status(p.Status),
		Error:     p.Error,
		CreatedAt: epochSeconds(p.CreatedAt),
		UpdatedAt: epochSeconds(p.UpdatedAt),
	}
	if p.Progress != nil {
		rec.Progress = &Progress{
			Current: p.Progress.Current,
			Total:   p.Progress.Total,
			Message: p.Progress.Message,
		}
	}
	if len(p.Result) > 0 {
		rec.Result = append(json.RawMessage(nil), p.Result...)
	}
	return rec.withDerived()
}

func (r Record) withDerived() Record {
	if r.DisplayName == "" {
		r.DisplayName = r.Operation.DisplayName()
	}
	if r.ColorTag == "" {
		r.ColorTag = ColorTag(r.ID)
	}
	return r
}

func (r Record) Clone() Record {
	out := r
	if r.Progress != nil {
		p := *r.Progress
		out.Progress = &p
	}
	if r.Result != nil {
		out.Result = append(json.RawMessage(nil), r.Result...)
	}
	return out
}

func epochSeconds(v float64) time.Time {
	if math.IsNaN(v) || v <= 0 {
		return time.Time{}
	}
	// History rows skip wire validation; clamp instead of overflowing.
	v = min(v, protocol.MaxEpochSeconds)
	return time.UnixMilli(int64(math.Round(v * 1000))).UTC()
}
