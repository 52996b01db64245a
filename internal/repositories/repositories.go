package repositories

import (
	"context"
	"fmt"
	"time"

	"example.com/backstage/services/possync/internal/models"
	"example.com/backstage/services/possync/internal/schema"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ErrLinkageUnresolved means item writes require a document row id that
// could not be resolved. Financial rows are never written without linkage,
// so this fails the outlet's run loudly.
var ErrLinkageUnresolved = errors.New("document linkage required but unresolved")

// OutletRepository provides read-only access to the outlet table owned by
// another domain.
type OutletRepository struct {
	readOnlyDB *gorm.DB
}

// NewOutletRepository creates a new outlet repository.
func NewOutletRepository(readOnlyDB *gorm.DB) *OutletRepository {
	return &OutletRepository{readOnlyDB: readOnlyDB}
}

// ListOutlets returns outlets ordered by title, optionally restricted to
// an id subset. Binding is decided by the caller.
func (r *OutletRepository) ListOutlets(ctx context.Context, ids []string) ([]models.Outlet, error) {
	query := r.readOnlyDB.WithContext(ctx).Order("title ASC")
	if len(ids) > 0 {
		query = query.Where("id IN ?", ids)
	}

	var outlets []models.Outlet
	if err := query.Find(&outlets).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list outlets")
	}
	return outlets, nil
}

// SalesRepository writes sales documents and line items using the SQL
// shape selected by the schema descriptor. The sales tables themselves are
// never created or migrated here.
type SalesRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewSalesRepository creates a new sales repository.
func NewSalesRepository(db, readOnlyDB *gorm.DB) *SalesRepository {
	return &SalesRepository{db: db, readOnlyDB: readOnlyDB}
}

// ExistingCashDocIDs preloads the cash document ids already imported for
// one outlet within the look-back window. Known documents are never
// re-fetched in detail.
func (r *SalesRepository) ExistingCashDocIDs(ctx context.Context, outletID uuid.UUID, since time.Time) (map[string]struct{}, error) {
	var ids []string
	err := r.readOnlyDB.WithContext(ctx).
		Raw(fmt.Sprintf(`SELECT cash_doc_id FROM %s WHERE outlet_id = ? AND begin_at >= ?`, schema.DocumentsTable),
			outletID, since).
		Scan(&ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to preload imported cash document ids")
	}

	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	return known, nil
}

// UpsertDocument writes one sales document, keyed on
// (outlet_id, cash_doc_id), updating mutable fields on conflict. It
// returns the document row id named by the descriptor for item linkage; a
// fallback lookup by natural key recovers the id when the upsert does not
// yield it.
func (r *SalesRepository) UpsertDocument(ctx context.Context, doc *models.SalesDocument, desc schema.Descriptor) (int64, error) {
	idColumn, err := linkageColumn(desc)
	if err != nil {
		return 0, err
	}

	sql := fmt.Sprintf(`
		INSERT INTO %s (outlet_id, cash_doc_id, shift_doc_id, begin_at, cashier_name, raw_payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, now(), now())
		ON CONFLICT (outlet_id, cash_doc_id) DO UPDATE SET
			shift_doc_id = EXCLUDED.shift_doc_id,
			begin_at     = EXCLUDED.begin_at,
			cashier_name = EXCLUDED.cashier_name,
			raw_payload  = EXCLUDED.raw_payload,
			updated_at   = now()
		RETURNING %s`, schema.DocumentsTable, idColumn)

	var docID int64
	err = r.db.WithContext(ctx).
		Raw(sql, doc.OutletID, doc.CashDocID, doc.ShiftDocID, doc.BeginAt, doc.CashierName, doc.RawPayload).
		Scan(&docID).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to upsert sales document")
	}

	if docID == 0 {
		return r.lookupDocumentID(ctx, doc.OutletID, doc.CashDocID, idColumn)
	}
	return docID, nil
}

// lookupDocumentID recovers the document row id by natural key.
func (r *SalesRepository) lookupDocumentID(ctx context.Context, outletID uuid.UUID, cashDocID, idColumn string) (int64, error) {
	var docID int64
	err := r.db.WithContext(ctx).
		Raw(fmt.Sprintf(`SELECT %s FROM %s WHERE outlet_id = ? AND cash_doc_id = ?`, idColumn, schema.DocumentsTable),
			outletID, cashDocID).
		Scan(&docID).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to look up sales document by natural key")
	}
	return docID, nil
}

// UpsertItems writes the aggregated line items of one document using the
// strategy implied by the descriptor. It returns the number of items
// written.
func (r *SalesRepository) UpsertItems(ctx context.Context, items []models.SalesLineItem, docID int64, desc schema.Descriptor) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	if desc.NeedsDocumentID() && docID == 0 {
		return 0, ErrLinkageUnresolved
	}

	switch desc.ItemStrategy() {
	case schema.DirectKeyed:
		return r.upsertItemsDirect(ctx, items, docID, desc)
	default:
		return r.insertItemsLegacy(ctx, items, docID)
	}
}

// upsertItemsDirect writes items keyed on (outlet_id, cash_doc_id,
// item_name), also populating the legacy document foreign key when the
// descriptor reports it as mandatory.
func (r *SalesRepository) upsertItemsDirect(ctx context.Context, items []models.SalesLineItem, docID int64, desc schema.Descriptor) (int, error) {
	sql := fmt.Sprintf(`
		INSERT INTO %s (outlet_id, cash_doc_id, item_name, quantity, total, discount, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, now(), now())
		ON CONFLICT (outlet_id, cash_doc_id, item_name) DO UPDATE SET
			quantity   = EXCLUDED.quantity,
			total      = EXCLUDED.total,
			discount   = EXCLUDED.discount,
			updated_at = now()`, schema.ItemsTable)

	if desc.LegacyDocFKRequired {
		sql = fmt.Sprintf(`
			INSERT INTO %s (outlet_id, cash_doc_id, item_name, quantity, total, discount, document_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, now(), now())
			ON CONFLICT (outlet_id, cash_doc_id, item_name) DO UPDATE SET
				quantity    = EXCLUDED.quantity,
				total       = EXCLUDED.total,
				discount    = EXCLUDED.discount,
				document_id = EXCLUDED.document_id,
				updated_at  = now()`, schema.ItemsTable)
	}

	written := 0
	for _, item := range items {
		args := []interface{}{item.OutletID, item.CashDocID, item.ItemName, item.Quantity, item.Total, item.Discount}
		if desc.LegacyDocFKRequired {
			args = append(args, docID)
		}
		if err := r.db.WithContext(ctx).Exec(sql, args...).Error; err != nil {
			return written, errors.Wrapf(err, "failed to upsert line item %q", item.ItemName)
		}
		written++
	}
	return written, nil
}

// insertItemsLegacy writes items against the legacy document-linked shape.
// The legacy table carries no guaranteed unique constraint, so writes are
// best-effort insert-ignore.
func (r *SalesRepository) insertItemsLegacy(ctx context.Context, items []models.SalesLineItem, docID int64) (int, error) {
	sql := fmt.Sprintf(`
		INSERT INTO %s (document_id, item_name, quantity, total, discount, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, now(), now())
		ON CONFLICT DO NOTHING`, schema.ItemsTable)

	written := 0
	for _, item := range items {
		if err := r.db.WithContext(ctx).Exec(sql, docID, item.ItemName, item.Quantity, item.Total, item.Discount).Error; err != nil {
			return written, errors.Wrapf(err, "failed to insert legacy line item %q", item.ItemName)
		}
		written++
	}
	return written, nil
}

// linkageColumn validates the descriptor's document id column against the
// two known schema generations before it is interpolated into SQL.
func linkageColumn(desc schema.Descriptor) (string, error) {
	switch desc.DocIDColumn {
	case "id", "doc_id":
		return desc.DocIDColumn, nil
	default:
		return "", errors.Errorf("unexpected document id column %q", desc.DocIDColumn)
	}
}
