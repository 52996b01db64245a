package services

import (
	"context"
	"testing"
	"time"

	"example.com/backstage/services/possync/config"
	"example.com/backstage/services/possync/internal/models"
	"example.com/backstage/services/possync/internal/provider"
	"example.com/backstage/services/possync/internal/repositories"
	"example.com/backstage/services/possync/internal/schema"
	"example.com/backstage/services/possync/internal/tracing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock provider for testing
type MockProviderAPI struct {
	mock.Mock
}

func (m *MockProviderAPI) RecentShifts(ctx context.Context, retailPointID string, days int) ([]provider.Shift, error) {
	args := m.Called(ctx, retailPointID, days)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]provider.Shift), args.Error(1)
}

func (m *MockProviderAPI) ShiftCashDocs(ctx context.Context, retailPointID, shiftID string) ([]provider.CashDocRef, error) {
	args := m.Called(ctx, retailPointID, shiftID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]provider.CashDocRef), args.Error(1)
}

func (m *MockProviderAPI) CashDocDetail(ctx context.Context, retailPointID, shiftID, cashDocID string) (*provider.CashDoc, []byte, error) {
	args := m.Called(ctx, retailPointID, shiftID, cashDocID)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*provider.CashDoc), args.Get(1).([]byte), args.Error(2)
}

// Mock outlet source for testing
type MockOutletSource struct {
	mock.Mock
}

func (m *MockOutletSource) ListOutlets(ctx context.Context, ids []string) ([]models.Outlet, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Outlet), args.Error(1)
}

// Mock sales store for testing
type MockSalesStore struct {
	mock.Mock
}

func (m *MockSalesStore) ExistingCashDocIDs(ctx context.Context, outletID uuid.UUID, since time.Time) (map[string]struct{}, error) {
	args := m.Called(ctx, outletID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]struct{}), args.Error(1)
}

func (m *MockSalesStore) UpsertDocument(ctx context.Context, doc *models.SalesDocument, desc schema.Descriptor) (int64, error) {
	args := m.Called(ctx, doc, desc)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSalesStore) UpsertItems(ctx context.Context, items []models.SalesLineItem, docID int64, desc schema.Descriptor) (int, error) {
	args := m.Called(ctx, items, docID, desc)
	return args.Int(0), args.Error(1)
}

// Mock schema detector for testing
type MockSchemaDetector struct {
	mock.Mock
}

func (m *MockSchemaDetector) Detect(ctx context.Context) (schema.Descriptor, error) {
	args := m.Called(ctx)
	return args.Get(0).(schema.Descriptor), args.Error(1)
}

func noopTracer() tracing.Tracer {
	tracer, _ := tracing.NewTracer(config.TracingConfig{})
	return tracer
}

func newTestImporter(providerAPI *MockProviderAPI, outlets *MockOutletSource, store *MockSalesStore, probe *MockSchemaDetector) *SalesImporter {
	return &SalesImporter{
		provider: providerAPI,
		outlets:  outlets,
		store:    store,
		probe:    probe,
		tracer:   noopTracer(),
	}
}

func strPtr(s string) *string {
	return &s
}

func boundOutlet(title string) models.Outlet {
	return models.Outlet{
		ID:                    uuid.New(),
		Title:                 title,
		ExternalRetailPointID: strPtr(uuid.NewString()),
	}
}

func currentDescriptor() schema.Descriptor {
	return schema.Descriptor{DocIDColumn: "id", ItemsKeyedByCashDoc: true}
}

func TestAggregatePositionsSumsByName(t *testing.T) {
	outletID := uuid.New()
	positions := []provider.Position{
		{Name: "Латте", Quantity: 1, Sum: 200, Discount: 0},
		{Name: "Круассан", Quantity: 1, Sum: 150, Discount: 20},
		{Name: "Латте", Quantity: 1, Sum: 180, Discount: 20},
	}

	items := aggregatePositions(outletID, "doc-1", positions)

	require.Len(t, items, 2)
	require.Equal(t, "Круассан", items[0].ItemName)
	require.Equal(t, "Латте", items[1].ItemName)
	require.Equal(t, 2.0, items[1].Quantity)
	require.Equal(t, 380.0, items[1].Total)
	require.Equal(t, 20.0, items[1].Discount)
}

func TestRunImportsOneOutlet(t *testing.T) {
	outlet := boundOutlet("Center")

	mockProbe := new(MockSchemaDetector)
	mockProbe.On("Detect", mock.Anything).Return(currentDescriptor(), nil)

	mockOutlets := new(MockOutletSource)
	mockOutlets.On("ListOutlets", mock.Anything, []string(nil)).Return([]models.Outlet{outlet}, nil)

	mockProvider := new(MockProviderAPI)
	rp := *outlet.ExternalRetailPointID
	mockProvider.On("RecentShifts", mock.Anything, rp, 1).Return([]provider.Shift{{ID: "shift-1"}}, nil)
	mockProvider.On("ShiftCashDocs", mock.Anything, rp, "shift-1").Return([]provider.CashDocRef{{ID: "doc-1"}}, nil)
	mockProvider.On("CashDocDetail", mock.Anything, rp, "shift-1", "doc-1").Return(&provider.CashDoc{
		ID:            "doc-1",
		BeginDateTime: "2026-08-30T10:15:00",
		CashierName:   "Anna",
		Positions: []provider.Position{
			{Name: "Латте", Quantity: 1, Sum: 200},
			{Name: "Латте", Quantity: 1, Sum: 180},
		},
	}, []byte(`{}`), nil)

	mockStore := new(MockSalesStore)
	mockStore.On("ExistingCashDocIDs", mock.Anything, outlet.ID, mock.Anything).Return(map[string]struct{}{}, nil)
	mockStore.On("UpsertDocument", mock.Anything, mock.AnythingOfType("*models.SalesDocument"), mock.Anything).Return(int64(7), nil)
	mockStore.On("UpsertItems", mock.Anything, mock.MatchedBy(func(items []models.SalesLineItem) bool {
		return len(items) == 1 && items[0].ItemName == "Латте" && items[0].Quantity == 2 && items[0].Total == 380
	}), int64(7), mock.Anything).Return(1, nil)

	importer := newTestImporter(mockProvider, mockOutlets, mockStore, mockProbe)
	result, err := importer.Run(context.Background(), 1, nil)

	require.NoError(t, err)
	require.Equal(t, 1, result.OutletsProcessed)
	require.Equal(t, 1, result.DocumentsUpserted)
	require.Equal(t, 1, result.ItemsUpserted)
	require.Empty(t, result.OutletErrors)
	mockStore.AssertExpectations(t)
	mockProvider.AssertExpectations(t)
}

func TestRunIsolatesOutletFailures(t *testing.T) {
	good1 := boundOutlet("First")
	bad := boundOutlet("Second")
	good2 := boundOutlet("Third")

	mockProbe := new(MockSchemaDetector)
	mockProbe.On("Detect", mock.Anything).Return(currentDescriptor(), nil)

	mockOutlets := new(MockOutletSource)
	mockOutlets.On("ListOutlets", mock.Anything, []string(nil)).Return([]models.Outlet{good1, bad, good2}, nil)

	mockProvider := new(MockProviderAPI)
	mockProvider.On("RecentShifts", mock.Anything, *good1.ExternalRetailPointID, 1).Return([]provider.Shift{}, nil)
	mockProvider.On("RecentShifts", mock.Anything, *bad.ExternalRetailPointID, 1).Return(nil, &provider.Error{StatusCode: 503, Excerpt: "down"})
	mockProvider.On("RecentShifts", mock.Anything, *good2.ExternalRetailPointID, 1).Return([]provider.Shift{}, nil)

	mockStore := new(MockSalesStore)
	mockStore.On("ExistingCashDocIDs", mock.Anything, mock.Anything, mock.Anything).Return(map[string]struct{}{}, nil)

	importer := newTestImporter(mockProvider, mockOutlets, mockStore, mockProbe)
	result, err := importer.Run(context.Background(), 1, nil)

	require.NoError(t, err)
	require.Equal(t, 2, result.OutletsProcessed)
	require.Len(t, result.OutletErrors, 1)
	require.Equal(t, "Second", result.OutletErrors[0].Outlet)
	require.Equal(t, models.ErrorKindProvider, result.OutletErrors[0].Kind)
}

func TestRunSkipsUnboundOutlets(t *testing.T) {
	unbound := models.Outlet{ID: uuid.New(), Title: "Warehouse"}
	empty := models.Outlet{ID: uuid.New(), Title: "Kiosk", ExternalRetailPointID: strPtr("")}

	mockProbe := new(MockSchemaDetector)
	mockProbe.On("Detect", mock.Anything).Return(currentDescriptor(), nil)

	mockOutlets := new(MockOutletSource)
	mockOutlets.On("ListOutlets", mock.Anything, []string(nil)).Return([]models.Outlet{unbound, empty}, nil)

	mockProvider := new(MockProviderAPI)
	mockStore := new(MockSalesStore)

	importer := newTestImporter(mockProvider, mockOutlets, mockStore, mockProbe)
	result, err := importer.Run(context.Background(), 1, nil)

	require.NoError(t, err)
	require.Zero(t, result.OutletsProcessed)
	require.Equal(t, []string{"Warehouse", "Kiosk"}, result.UnboundOutlets)
	mockProvider.AssertNotCalled(t, "RecentShifts", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunRecordsInvalidIdentifier(t *testing.T) {
	outlet := models.Outlet{
		ID:                    uuid.New(),
		Title:                 "Broken",
		ExternalRetailPointID: strPtr("not-a-uuid"),
	}

	mockProbe := new(MockSchemaDetector)
	mockProbe.On("Detect", mock.Anything).Return(currentDescriptor(), nil)

	mockOutlets := new(MockOutletSource)
	mockOutlets.On("ListOutlets", mock.Anything, []string(nil)).Return([]models.Outlet{outlet}, nil)

	importer := newTestImporter(new(MockProviderAPI), mockOutlets, new(MockSalesStore), mockProbe)
	result, err := importer.Run(context.Background(), 1, nil)

	require.NoError(t, err)
	require.Len(t, result.OutletErrors, 1)
	require.Equal(t, models.ErrorKindInvalidIdentifier, result.OutletErrors[0].Kind)
}

func TestRunDegradesWhenPreloadFails(t *testing.T) {
	outlet := boundOutlet("Center")
	rp := *outlet.ExternalRetailPointID

	mockProbe := new(MockSchemaDetector)
	mockProbe.On("Detect", mock.Anything).Return(currentDescriptor(), nil)

	mockOutlets := new(MockOutletSource)
	mockOutlets.On("ListOutlets", mock.Anything, []string(nil)).Return([]models.Outlet{outlet}, nil)

	mockProvider := new(MockProviderAPI)
	mockProvider.On("RecentShifts", mock.Anything, rp, 1).Return([]provider.Shift{}, nil)

	mockStore := new(MockSalesStore)
	mockStore.On("ExistingCashDocIDs", mock.Anything, outlet.ID, mock.Anything).Return(nil, errors.New("read replica down"))

	importer := newTestImporter(mockProvider, mockOutlets, mockStore, mockProbe)
	result, err := importer.Run(context.Background(), 1, nil)

	require.NoError(t, err)
	require.Equal(t, 1, result.OutletsProcessed)
	require.Equal(t, []string{"Center"}, result.PreloadDegraded)
	require.Empty(t, result.OutletErrors)
}

func TestRunSkipsAlreadyImportedDocuments(t *testing.T) {
	outlet := boundOutlet("Center")
	rp := *outlet.ExternalRetailPointID

	mockProbe := new(MockSchemaDetector)
	mockProbe.On("Detect", mock.Anything).Return(currentDescriptor(), nil)

	mockOutlets := new(MockOutletSource)
	mockOutlets.On("ListOutlets", mock.Anything, []string(nil)).Return([]models.Outlet{outlet}, nil)

	mockProvider := new(MockProviderAPI)
	mockProvider.On("RecentShifts", mock.Anything, rp, 1).Return([]provider.Shift{{ID: "shift-1"}}, nil)
	mockProvider.On("ShiftCashDocs", mock.Anything, rp, "shift-1").Return([]provider.CashDocRef{{ID: "doc-1"}}, nil)

	mockStore := new(MockSalesStore)
	mockStore.On("ExistingCashDocIDs", mock.Anything, outlet.ID, mock.Anything).Return(map[string]struct{}{"doc-1": {}}, nil)

	importer := newTestImporter(mockProvider, mockOutlets, mockStore, mockProbe)
	result, err := importer.Run(context.Background(), 1, nil)

	require.NoError(t, err)
	require.Equal(t, 1, result.OutletsProcessed)
	require.Zero(t, result.DocumentsUpserted)
	mockProvider.AssertNotCalled(t, "CashDocDetail", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunRecordsLinkageErrors(t *testing.T) {
	broken := boundOutlet("Legacy")
	healthy := boundOutlet("Center")

	mockProbe := new(MockSchemaDetector)
	mockProbe.On("Detect", mock.Anything).Return(schema.Descriptor{DocIDColumn: "doc_id"}, nil)

	mockOutlets := new(MockOutletSource)
	mockOutlets.On("ListOutlets", mock.Anything, []string(nil)).Return([]models.Outlet{broken, healthy}, nil)

	mockProvider := new(MockProviderAPI)
	mockProvider.On("RecentShifts", mock.Anything, *broken.ExternalRetailPointID, 1).Return([]provider.Shift{{ID: "shift-1"}}, nil)
	mockProvider.On("ShiftCashDocs", mock.Anything, *broken.ExternalRetailPointID, "shift-1").Return([]provider.CashDocRef{{ID: "doc-1"}}, nil)
	mockProvider.On("CashDocDetail", mock.Anything, *broken.ExternalRetailPointID, "shift-1", "doc-1").Return(&provider.CashDoc{
		ID:        "doc-1",
		Positions: []provider.Position{{Name: "Латте", Quantity: 1, Sum: 200}},
	}, []byte(`{}`), nil)
	mockProvider.On("RecentShifts", mock.Anything, *healthy.ExternalRetailPointID, 1).Return([]provider.Shift{}, nil)

	mockStore := new(MockSalesStore)
	mockStore.On("ExistingCashDocIDs", mock.Anything, mock.Anything, mock.Anything).Return(map[string]struct{}{}, nil)
	mockStore.On("UpsertDocument", mock.Anything, mock.Anything, mock.Anything).Return(int64(0), nil)
	mockStore.On("UpsertItems", mock.Anything, mock.Anything, int64(0), mock.Anything).Return(0, repositories.ErrLinkageUnresolved)

	importer := newTestImporter(mockProvider, mockOutlets, mockStore, mockProbe)
	result, err := importer.Run(context.Background(), 1, nil)

	require.NoError(t, err)
	require.Equal(t, 1, result.OutletsProcessed)
	require.Len(t, result.OutletErrors, 1)
	require.Equal(t, "Legacy", result.OutletErrors[0].Outlet)
	require.Equal(t, models.ErrorKindLinkage, result.OutletErrors[0].Kind)
}

func TestRunRecordsStorageErrors(t *testing.T) {
	outlet := boundOutlet("Center")
	rp := *outlet.ExternalRetailPointID

	mockProbe := new(MockSchemaDetector)
	mockProbe.On("Detect", mock.Anything).Return(currentDescriptor(), nil)

	mockOutlets := new(MockOutletSource)
	mockOutlets.On("ListOutlets", mock.Anything, []string(nil)).Return([]models.Outlet{outlet}, nil)

	mockProvider := new(MockProviderAPI)
	mockProvider.On("RecentShifts", mock.Anything, rp, 1).Return([]provider.Shift{{ID: "shift-1"}}, nil)
	mockProvider.On("ShiftCashDocs", mock.Anything, rp, "shift-1").Return([]provider.CashDocRef{{ID: "doc-1"}}, nil)
	mockProvider.On("CashDocDetail", mock.Anything, rp, "shift-1", "doc-1").Return(&provider.CashDoc{ID: "doc-1"}, []byte(`{}`), nil)

	mockStore := new(MockSalesStore)
	mockStore.On("ExistingCashDocIDs", mock.Anything, outlet.ID, mock.Anything).Return(map[string]struct{}{}, nil)
	mockStore.On("UpsertDocument", mock.Anything, mock.Anything, mock.Anything).Return(int64(0), errors.New("deadlock detected"))

	importer := newTestImporter(mockProvider, mockOutlets, mockStore, mockProbe)
	result, err := importer.Run(context.Background(), 1, nil)

	require.NoError(t, err)
	require.Len(t, result.OutletErrors, 1)
	require.Equal(t, models.ErrorKindStorage, result.OutletErrors[0].Kind)
}

func TestRunAbortsWhenSchemaMissing(t *testing.T) {
	mockProbe := new(MockSchemaDetector)
	mockProbe.On("Detect", mock.Anything).Return(schema.Descriptor{}, schema.ErrSalesTablesMissing)

	mockOutlets := new(MockOutletSource)

	importer := newTestImporter(new(MockProviderAPI), mockOutlets, new(MockSalesStore), mockProbe)
	result, err := importer.Run(context.Background(), 1, nil)

	require.Error(t, err)
	require.True(t, errors.Is(err, schema.ErrSalesTablesMissing))
	require.Nil(t, result)
	mockOutlets.AssertNotCalled(t, "ListOutlets", mock.Anything, mock.Anything)
}

func TestParseBeginTimeAcceptsKnownLayouts(t *testing.T) {
	require.False(t, parseBeginTime("2026-08-30T10:15:00Z").IsZero())
	require.False(t, parseBeginTime("2026-08-30T10:15:00").IsZero())
	require.False(t, parseBeginTime("2026-08-30 10:15:00").IsZero())
	require.True(t, parseBeginTime("yesterday").IsZero())
}
