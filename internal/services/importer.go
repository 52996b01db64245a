package services

import (
	"context"
	"sort"
	"time"

	"example.com/backstage/services/possync/internal/metrics"
	"example.com/backstage/services/possync/internal/models"
	"example.com/backstage/services/possync/internal/provider"
	"example.com/backstage/services/possync/internal/repositories"
	"example.com/backstage/services/possync/internal/schema"
	"example.com/backstage/services/possync/internal/search"
	"example.com/backstage/services/possync/internal/tracing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// errInvalidIdentifier tags outlets whose external retail point identifier
// is not a well-formed UUID.
var errInvalidIdentifier = errors.New("invalid retail point identifier")

// ProviderAPI is the slice of the POS provider surface the importer needs.
type ProviderAPI interface {
	RecentShifts(ctx context.Context, retailPointID string, days int) ([]provider.Shift, error)
	ShiftCashDocs(ctx context.Context, retailPointID, shiftID string) ([]provider.CashDocRef, error)
	CashDocDetail(ctx context.Context, retailPointID, shiftID, cashDocID string) (*provider.CashDoc, []byte, error)
}

// OutletSource lists outlets from the collaborating domain.
type OutletSource interface {
	ListOutlets(ctx context.Context, ids []string) ([]models.Outlet, error)
}

// SalesStore persists documents and line items.
type SalesStore interface {
	ExistingCashDocIDs(ctx context.Context, outletID uuid.UUID, since time.Time) (map[string]struct{}, error)
	UpsertDocument(ctx context.Context, doc *models.SalesDocument, desc schema.Descriptor) (int64, error)
	UpsertItems(ctx context.Context, items []models.SalesLineItem, docID int64, desc schema.Descriptor) (int, error)
}

// SchemaDetector inspects the local sales tables.
type SchemaDetector interface {
	Detect(ctx context.Context) (schema.Descriptor, error)
}

// DocumentIndexer pushes imported documents to the search layer.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, doc *models.SalesDocument, outletTitle string) error
}

// SalesImporter orchestrates the import pipeline, per bound outlet:
// list shifts, list cash documents, skip already-imported ones, fetch
// detail, aggregate line items, idempotent upsert. Outlets are processed
// independently; one outlet's failure never aborts the batch.
type SalesImporter struct {
	provider ProviderAPI
	outlets  OutletSource
	store    SalesStore
	probe    SchemaDetector
	indexer  DocumentIndexer
	metrics  *metrics.Metrics
	tracer   tracing.Tracer
}

// NewSalesImporter creates a new sales importer wired to the database and
// provider client. The indexer is optional.
func NewSalesImporter(
	db *gorm.DB,
	readOnlyDB *gorm.DB,
	providerClient *provider.Client,
	indexer *search.ElasticClient,
	collector *metrics.Metrics,
	tracer tracing.Tracer,
) *SalesImporter {
	imp := &SalesImporter{
		provider: providerClient,
		outlets:  repositories.NewOutletRepository(readOnlyDB),
		store:    repositories.NewSalesRepository(db, readOnlyDB),
		probe:    schema.NewProbe(db),
		metrics:  collector,
		tracer:   tracer,
	}
	if indexer != nil {
		imp.indexer = indexer
	}
	return imp
}

// Run imports sales for all bound outlets over the look-back window,
// optionally restricted to an outlet id allow-list. Only configuration
// class failures (missing schema, unreachable outlet listing) return an
// error; everything else is recorded on the result.
func (imp *SalesImporter) Run(ctx context.Context, lookbackDays int, outletIDs []string) (*models.ImportResult, error) {
	txn := imp.tracer.StartTransaction("sales-import")
	defer imp.tracer.EndTransaction(txn)
	start := time.Now()

	if lookbackDays <= 0 {
		lookbackDays = 1
	}

	span := imp.tracer.StartSpan("detect-schema", txn)
	desc, err := imp.probe.Detect(ctx)
	span.End()
	if err != nil {
		imp.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "schema detection failed")
	}

	outlets, err := imp.outlets.ListOutlets(ctx, outletIDs)
	if err != nil {
		imp.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to list outlets")
	}

	result := &models.ImportResult{}
	for _, outlet := range outlets {
		if !outlet.Bound() {
			log.Info().Str("outlet", outlet.Title).Msg("Outlet has no retail point binding, skipping")
			result.UnboundOutlets = append(result.UnboundOutlets, outlet.Title)
			continue
		}

		if err := imp.importOutlet(ctx, outlet, desc, lookbackDays, result); err != nil {
			log.Error().Err(err).Str("outlet", outlet.Title).Msg("Outlet import failed")
			imp.tracer.RecordError(txn, err)
			imp.metrics.IncrementCounter("import.outlet_errors")
			result.OutletErrors = append(result.OutletErrors, models.OutletError{
				Outlet:  outlet.Title,
				Kind:    classifyOutletError(err),
				Message: err.Error(),
			})
			continue
		}
		result.OutletsProcessed++
	}

	imp.metrics.IncrementCounterBy("import.documents_upserted", int64(result.DocumentsUpserted))
	imp.metrics.IncrementCounterBy("import.items_upserted", int64(result.ItemsUpserted))
	imp.metrics.RecordTimer("import.run", time.Since(start).Milliseconds())

	log.Info().
		Int("outlets_processed", result.OutletsProcessed).
		Int("documents", result.DocumentsUpserted).
		Int("items", result.ItemsUpserted).
		Int("unbound", len(result.UnboundOutlets)).
		Int("errors", len(result.OutletErrors)).
		Msg("Sales import finished")

	return result, nil
}

// importOutlet imports one outlet's recent shifts. An error here aborts
// the rest of this outlet's run but never other outlets'.
func (imp *SalesImporter) importOutlet(ctx context.Context, outlet models.Outlet, desc schema.Descriptor, lookbackDays int, result *models.ImportResult) error {
	retailPointID, err := uuid.Parse(*outlet.ExternalRetailPointID)
	if err != nil {
		return errors.Wrapf(errInvalidIdentifier, "%q", *outlet.ExternalRetailPointID)
	}

	since := time.Now().AddDate(0, 0, -lookbackDays)
	known, err := imp.store.ExistingCashDocIDs(ctx, outlet.ID, since)
	if err != nil {
		// Degrade to an empty set: re-fetching known documents is safe
		// because all writes are idempotent.
		log.Warn().Err(err).Str("outlet", outlet.Title).Msg("Preload of imported document ids failed, continuing with empty set")
		known = map[string]struct{}{}
		result.PreloadDegraded = append(result.PreloadDegraded, outlet.Title)
	}

	shifts, err := imp.provider.RecentShifts(ctx, retailPointID.String(), lookbackDays)
	if err != nil {
		return errors.Wrap(err, "failed to list recent shifts")
	}

	for _, shift := range shifts {
		refs, err := imp.provider.ShiftCashDocs(ctx, retailPointID.String(), shift.ID)
		if err != nil {
			return errors.Wrapf(err, "failed to list cash documents of shift %s", shift.ID)
		}

		for _, ref := range refs {
			if _, ok := known[ref.ID]; ok {
				continue
			}

			items, err := imp.importDocument(ctx, outlet, desc, retailPointID.String(), shift.ID, ref.ID)
			if err != nil {
				return errors.Wrapf(err, "failed to import cash document %s", ref.ID)
			}

			result.DocumentsUpserted++
			result.ItemsUpserted += items
			known[ref.ID] = struct{}{}
		}
	}

	return nil
}

// importDocument fetches one cash document's detail, aggregates its
// positions and upserts the document and its line items.
func (imp *SalesImporter) importDocument(ctx context.Context, outlet models.Outlet, desc schema.Descriptor, retailPointID, shiftID, cashDocID string) (int, error) {
	detail, raw, err := imp.provider.CashDocDetail(ctx, retailPointID, shiftID, cashDocID)
	if err != nil {
		return 0, err
	}
	if detail.ID == "" {
		detail.ID = cashDocID
	}

	doc := &models.SalesDocument{
		OutletID:    outlet.ID,
		CashDocID:   detail.ID,
		ShiftDocID:  detail.ShiftDocID,
		BeginAt:     parseBeginTime(detail.BeginDateTime),
		CashierName: detail.CashierName,
		RawPayload:  raw,
	}

	docID, err := imp.store.UpsertDocument(ctx, doc, desc)
	if err != nil {
		return 0, err
	}

	items := aggregatePositions(outlet.ID, detail.ID, detail.Positions)
	written, err := imp.store.UpsertItems(ctx, items, docID, desc)
	if err != nil {
		return written, err
	}

	if imp.indexer != nil {
		if err := imp.indexer.IndexDocument(ctx, doc, outlet.Title); err != nil {
			log.Warn().Err(err).Str("cash_doc_id", doc.CashDocID).Msg("Failed to index sales document")
		}
	}

	return written, nil
}

// aggregatePositions sums quantity, total and discount of all raw
// positions sharing a product name within one document.
func aggregatePositions(outletID uuid.UUID, cashDocID string, positions []provider.Position) []models.SalesLineItem {
	byName := make(map[string]*models.SalesLineItem)
	for _, pos := range positions {
		item, ok := byName[pos.Name]
		if !ok {
			item = &models.SalesLineItem{
				OutletID:  outletID,
				CashDocID: cashDocID,
				ItemName:  pos.Name,
			}
			byName[pos.Name] = item
		}
		item.Quantity += float64(pos.Quantity)
		item.Total += float64(pos.Sum)
		item.Discount += float64(pos.Discount)
	}

	items := make([]models.SalesLineItem, 0, len(byName))
	for _, item := range byName {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ItemName < items[j].ItemName })
	return items
}

// beginTimeLayouts are the timestamp shapes the provider has been seen to
// ship for beginDateTime.
var beginTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseBeginTime(value string) time.Time {
	for _, layout := range beginTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

// classifyOutletError maps an outlet failure to the recorded error kind.
// Everything the provider client returns is a *provider.Error, so the
// default branch is a local storage failure.
func classifyOutletError(err error) string {
	var providerErr *provider.Error
	switch {
	case errors.Is(err, errInvalidIdentifier):
		return models.ErrorKindInvalidIdentifier
	case errors.Is(err, repositories.ErrLinkageUnresolved):
		return models.ErrorKindLinkage
	case errors.As(err, &providerErr):
		return models.ErrorKindProvider
	default:
		return models.ErrorKindStorage
	}
}
