package schema

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Table names of the two sales tables the importer writes to. They are
// owned by the reporting schema and never migrated here.
const (
	DocumentsTable = "sales_documents"
	ItemsTable     = "sales_document_items"
)

// ErrSalesTablesMissing means the local sales tables do not exist at all.
// This is a configuration error: it aborts a run immediately, before any
// outlet processing.
var ErrSalesTablesMissing = errors.New("local sales tables are missing")

// ItemStrategy selects the SQL shape used for line-item writes.
type ItemStrategy int

const (
	// DirectKeyed items carry (outlet_id, cash_doc_id, item_name) and
	// upsert against that unique key.
	DirectKeyed ItemStrategy = iota
	// LegacyLinked items reference the synthetic document row id and are
	// written best-effort, insert-ignore, since the legacy table carries
	// no guaranteed unique constraint.
	LegacyLinked
)

// Descriptor is a snapshot of the sales tables' actual column layout.
// The schema evolved from "items reference a synthetic document row id"
// to "items reference the provider id directly"; both shapes coexist
// across deployments, so the importer adapts instead of requiring a
// migration. Recomputed once per run, never persisted.
type Descriptor struct {
	// DocIDColumn is the column identifying a document row for item
	// linkage: "id" on current deployments, "doc_id" on legacy ones.
	DocIDColumn string
	// ItemsKeyedByCashDoc reports whether items key on the provider's
	// cash document id directly.
	ItemsKeyedByCashDoc bool
	// LegacyDocFKRequired reports whether the legacy document foreign key
	// on the items table is mandatory and must still be populated.
	LegacyDocFKRequired bool
}

// ItemStrategy returns the write strategy implied by the descriptor.
func (d Descriptor) ItemStrategy() ItemStrategy {
	if d.ItemsKeyedByCashDoc {
		return DirectKeyed
	}
	return LegacyLinked
}

// NeedsDocumentID reports whether item writes require a resolved document
// row id. Financial rows are never written without linkage.
func (d Descriptor) NeedsDocumentID() bool {
	return !d.ItemsKeyedByCashDoc || d.LegacyDocFKRequired
}

// Probe inspects the local catalog metadata for the sales tables.
type Probe struct {
	db *gorm.DB
}

// NewProbe creates a new schema probe.
func NewProbe(db *gorm.DB) *Probe {
	return &Probe{db: db}
}

// Detect queries information_schema for the actual column layout of the
// two sales tables and returns the capability descriptor.
func (p *Probe) Detect(ctx context.Context) (Descriptor, error) {
	var tableCount int64
	err := p.db.WithContext(ctx).
		Raw(`SELECT count(*) FROM information_schema.tables
		     WHERE table_schema = current_schema() AND table_name IN (?, ?)`,
			DocumentsTable, ItemsTable).
		Scan(&tableCount).Error
	if err != nil {
		return Descriptor{}, errors.Wrap(err, "failed to inspect sales tables")
	}
	if tableCount < 2 {
		return Descriptor{}, ErrSalesTablesMissing
	}

	docColumns, err := p.tableColumns(ctx, DocumentsTable)
	if err != nil {
		return Descriptor{}, err
	}
	itemColumns, err := p.tableColumns(ctx, ItemsTable)
	if err != nil {
		return Descriptor{}, err
	}

	desc := Descriptor{DocIDColumn: "doc_id"}
	if _, ok := docColumns["id"]; ok {
		desc.DocIDColumn = "id"
	}
	if _, ok := itemColumns["cash_doc_id"]; ok {
		desc.ItemsKeyedByCashDoc = true
	}
	if nullable, ok := itemColumns["document_id"]; ok && !nullable {
		desc.LegacyDocFKRequired = true
	}

	return desc, nil
}

// tableColumns returns column name -> is_nullable for one table.
func (p *Probe) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	var rows []struct {
		ColumnName string
		IsNullable string
	}
	err := p.db.WithContext(ctx).
		Raw(`SELECT column_name, is_nullable FROM information_schema.columns
		     WHERE table_schema = current_schema() AND table_name = ?`, table).
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to inspect columns of %s", table)
	}

	columns := make(map[string]bool, len(rows))
	for _, row := range rows {
		columns[row.ColumnName] = row.IsNullable == "YES"
	}
	return columns, nil
}
