package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Import job statuses. Transitions are one-way:
// queued -> running -> done | error. Retrying means a new enqueue.
const (
	JobStatusQueued  = "queued"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusError   = "error"
)

// Outlet is a physical point of sale known to both this application and
// the POS provider. The table is owned by another service and is read-only
// here. An outlet without an external retail point identifier is unbound
// and is skipped with a reported reason.
type Outlet struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Title                 string    `gorm:"not null" json:"title"`
	ExternalRetailPointID *string   `gorm:"column:external_retail_point_id" json:"external_retail_point_id"`
}

func (Outlet) TableName() string {
	return "outlets"
}

// Bound reports whether the outlet carries an external retail point identifier.
func (o Outlet) Bound() bool {
	return o.ExternalRetailPointID != nil && *o.ExternalRetailPointID != ""
}

// ImportJob is a durable import request. Created by an external caller,
// mutated only by the claiming worker, never deleted here.
type ImportJob struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index:idx_import_jobs_queue,priority:2" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	RequestedBy   string    `gorm:"index:idx_import_jobs_notify,priority:1" json:"requested_by"`
	PeriodFrom    time.Time `gorm:"not null" json:"period_from"`
	PeriodTo      time.Time `gorm:"not null" json:"period_to"`
	EffectiveFrom time.Time `gorm:"not null" json:"effective_from"`
	EffectiveTo   time.Time `gorm:"not null" json:"effective_to"`
	OutletIDs     []byte    `gorm:"type:jsonb" json:"-"`
	Status        string    `gorm:"not null;default:queued;index:idx_import_jobs_queue,priority:1" json:"status"`
	Result        []byte    `gorm:"type:jsonb" json:"result,omitempty"`
	LastError     *string   `json:"last_error,omitempty"`
	NotifiedAt    *time.Time `gorm:"index:idx_import_jobs_notify,priority:2" json:"notified_at,omitempty"`
}

func (ImportJob) TableName() string {
	return "import_jobs"
}

// OutletFilter returns the outlet id allow-list, nil meaning all bound outlets.
func (j *ImportJob) OutletFilter() ([]string, error) {
	if len(j.OutletIDs) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(j.OutletIDs, &ids); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal outlet id filter")
	}
	return ids, nil
}

// SalesDocument is one cash-register settlement event, keyed by
// (outlet_id, cash_doc_id). Re-import of the same key updates mutable
// fields, never duplicates. The raw provider response is kept verbatim.
type SalesDocument struct {
	OutletID    uuid.UUID
	CashDocID   string
	ShiftDocID  string
	BeginAt     time.Time
	CashierName string
	RawPayload  []byte
}

// SalesLineItem is an aggregated product line of a sales document. All
// raw positions sharing a name within one document are summed before
// persistence; re-import replaces totals.
type SalesLineItem struct {
	OutletID  uuid.UUID
	CashDocID string
	ItemName  string
	Quantity  float64
	Total     float64
	Discount  float64
}

// Outlet error kinds recorded on import results.
const (
	ErrorKindInvalidIdentifier = "invalid_identifier"
	ErrorKindProvider          = "provider"
	ErrorKindLinkage           = "linkage"
	ErrorKindStorage           = "storage"
)

// OutletError records a failure of one outlet's import without aborting others.
type OutletError struct {
	Outlet  string `json:"outlet"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ImportResult is the outcome of one importer run. It distinguishes
// "nothing to import", "some outlets failed" and "total success" via
// counts, the unbound list and the error list.
type ImportResult struct {
	OutletsProcessed  int           `json:"outlets_processed"`
	DocumentsUpserted int           `json:"documents_upserted"`
	ItemsUpserted     int           `json:"items_upserted"`
	UnboundOutlets    []string      `json:"unbound_outlets,omitempty"`
	PreloadDegraded   []string      `json:"preload_degraded,omitempty"`
	OutletErrors      []OutletError `json:"outlet_errors,omitempty"`
}
