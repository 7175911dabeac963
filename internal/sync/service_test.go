package sync

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"reflect"
	"testing"

	"garagesync/internal/config"
	"garagesync/internal/store"
)

// fakeDeals is an in-memory DealClient.
type fakeDeals struct {
	dealsByUser map[int64]int64
	fields      map[int64]map[string]interface{}
	findErr     error
	getErr      error
	updateErr   error
	updateCalls int
	lastUpdate  map[string]interface{}
}

func (f *fakeDeals) FindDealByCustomer(ctx context.Context, userID int64) (int64, bool, error) {
	if f.findErr != nil {
		return 0, false, f.findErr
	}
	id, ok := f.dealsByUser[userID]
	return id, ok, nil
}

func (f *fakeDeals) GetDealFields(ctx context.Context, dealID int64, codes []string) (map[string]interface{}, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	current := make(map[string]interface{}, len(codes))
	for _, code := range codes {
		current[code] = f.fields[dealID][code]
	}
	return current, nil
}

func (f *fakeDeals) UpdateDealFields(ctx context.Context, dealID int64, fields map[string]interface{}) ([]string, error) {
	f.updateCalls++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.lastUpdate = fields
	if f.fields[dealID] == nil {
		f.fields[dealID] = map[string]interface{}{}
	}
	for k, v := range fields {
		f.fields[dealID][k] = v
	}
	return nil, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "garage.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return s
}

func testMappings() []config.EffectiveMapping {
	return []config.EffectiveMapping{
		{Attr: "userId", Codes: []string{"UF_GARAGE_USER", "UF_ABCP_USER"}, Overwrite: true},
		{Attr: "vin", Codes: []string{"UF_VIN"}, Overwrite: true},
		{Attr: "year", Codes: []string{"UF_YEAR"}, Overwrite: false},
	}
}

func seedVehicle(t *testing.T, s *store.Store, v store.Vehicle) {
	t.Helper()
	if _, err := s.UpsertVehicles(context.Background(), []store.Vehicle{v}); err != nil {
		t.Fatalf("UpsertVehicles() failed: %v", err)
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestSyncAll_UpdatesChangedFields(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedVehicle(t, st, store.Vehicle{
		ID: 101, UserID: 555, VIN: "XW8ED46", Year: 2019,
		DateUpdated: "2024-05-01 10:00:00",
	})

	deals := &fakeDeals{
		dealsByUser: map[int64]int64{555: 10},
		fields: map[int64]map[string]interface{}{
			10: {
				"UF_VIN":         "OLD",
				"UF_YEAR":        "2019", // equal after canonicalization
				"UF_ABCP_USER":   "555",  // equal
				"UF_GARAGE_USER": nil,    // changed
			},
		},
	}

	svc := NewService(st, deals, testMappings(), Options{}, quietLogger())
	totals, err := svc.SyncAll(ctx, 0)
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if totals != (Totals{Updated: 1}) {
		t.Fatalf("totals = %+v, want updated=1", totals)
	}

	wantUpdate := map[string]interface{}{
		"UF_VIN":         "XW8ED46",
		"UF_GARAGE_USER": int64(555),
	}
	if !reflect.DeepEqual(deals.lastUpdate, wantUpdate) {
		t.Errorf("update payload = %v, want %v", deals.lastUpdate, wantUpdate)
	}

	status, err := st.GetStatus(ctx, 555)
	if err != nil {
		t.Fatalf("GetStatus() failed: %v", err)
	}
	if status.LastResult != store.ResultUpdated || status.DealID != 10 {
		t.Errorf("status = %+v, want updated on deal 10", status)
	}
	wantCodes := []string{"UF_GARAGE_USER", "UF_VIN"}
	if !reflect.DeepEqual(status.FieldCodes, wantCodes) {
		t.Errorf("status codes = %v, want %v", status.FieldCodes, wantCodes)
	}
	if status.SourceVehicleID != 101 || status.SourceDateUpdated != "2024-05-01 10:00:00" {
		t.Errorf("status provenance = %+v, want vehicle 101", status)
	}
}

// TestSyncAll_NoDeal records a skip with a stable reason and touches nothing.
func TestSyncAll_NoDeal(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedVehicle(t, st, store.Vehicle{ID: 101, UserID: 555, DateUpdated: "2024-05-01 10:00:00"})

	deals := &fakeDeals{dealsByUser: map[int64]int64{}}
	svc := NewService(st, deals, testMappings(), Options{}, quietLogger())

	totals, err := svc.SyncAll(ctx, 0)
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if totals != (Totals{Skipped: 1}) {
		t.Fatalf("totals = %+v, want skipped=1", totals)
	}
	if deals.updateCalls != 0 {
		t.Errorf("update was called %d times, want 0", deals.updateCalls)
	}

	status, err := st.GetStatus(ctx, 555)
	if err != nil {
		t.Fatalf("GetStatus() failed: %v", err)
	}
	if status.LastResult != store.ResultSkipped || status.LastError != "deal not found" {
		t.Errorf("status = %+v, want skipped with 'deal not found'", status)
	}
	if status.DealID != 0 {
		t.Errorf("DealID = %d, want 0", status.DealID)
	}
}

// TestSyncAll_NoChanges skips the write when every field already matches.
func TestSyncAll_NoChanges(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedVehicle(t, st, store.Vehicle{
		ID: 101, UserID: 555, VIN: "XW8ED46", Year: 2019,
		DateUpdated: "2024-05-01 10:00:00",
	})

	deals := &fakeDeals{
		dealsByUser: map[int64]int64{555: 10},
		fields: map[int64]map[string]interface{}{
			10: {
				"UF_VIN":         "XW8ED46",
				"UF_YEAR":        "2019",
				"UF_ABCP_USER":   "555",
				"UF_GARAGE_USER": "555",
			},
		},
	}

	svc := NewService(st, deals, testMappings(), Options{}, quietLogger())
	totals, err := svc.SyncAll(ctx, 0)
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if totals != (Totals{Skipped: 1}) {
		t.Fatalf("totals = %+v, want skipped=1", totals)
	}
	if deals.updateCalls != 0 {
		t.Errorf("update was called %d times, want 0", deals.updateCalls)
	}

	status, err := st.GetStatus(ctx, 555)
	if err != nil {
		t.Fatalf("GetStatus() failed: %v", err)
	}
	if status.LastResult != store.ResultSkipped || status.LastError != "" {
		t.Errorf("status = %+v, want clean skip", status)
	}
	if len(status.FieldCodes) != 0 {
		t.Errorf("FieldCodes = %v, want empty", status.FieldCodes)
	}
}

// TestSyncAll_UpdateError contains the failure to one customer.
func TestSyncAll_UpdateError(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedVehicle(t, st, store.Vehicle{ID: 101, UserID: 555, VIN: "A", DateUpdated: "2024-05-01 10:00:00"})
	seedVehicle(t, st, store.Vehicle{ID: 102, UserID: 777, VIN: "B", DateUpdated: "2024-05-02 10:00:00"})

	deals := &fakeDeals{
		dealsByUser: map[int64]int64{555: 10, 777: 20},
		fields:      map[int64]map[string]interface{}{},
		updateErr:   errors.New("portal rejected the write"),
	}

	svc := NewService(st, deals, testMappings(), Options{}, quietLogger())
	totals, err := svc.SyncAll(ctx, 0)
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if totals != (Totals{Errors: 2}) {
		t.Fatalf("totals = %+v, want errors=2", totals)
	}

	status, err := st.GetStatus(ctx, 555)
	if err != nil {
		t.Fatalf("GetStatus() failed: %v", err)
	}
	if status.LastResult != store.ResultError || status.LastError != "portal rejected the write" {
		t.Errorf("status = %+v, want recorded error", status)
	}
}

// TestSyncAll_OnlyUser restricts the pass to one customer.
func TestSyncAll_OnlyUser(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedVehicle(t, st, store.Vehicle{ID: 101, UserID: 555, VIN: "A", DateUpdated: "2024-05-01 10:00:00"})
	seedVehicle(t, st, store.Vehicle{ID: 102, UserID: 777, VIN: "B", DateUpdated: "2024-05-02 10:00:00"})

	deals := &fakeDeals{
		dealsByUser: map[int64]int64{555: 10, 777: 20},
		fields:      map[int64]map[string]interface{}{},
	}

	svc := NewService(st, deals, testMappings(), Options{}, quietLogger())
	totals, err := svc.SyncAll(ctx, 777)
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if totals != (Totals{Updated: 1}) {
		t.Fatalf("totals = %+v, want updated=1", totals)
	}

	if _, err := st.GetStatus(ctx, 555); err == nil {
		t.Error("customer 555 was reconciled despite --user filter")
	}
}

// TestSyncAll_Cancellation stops between customers.
func TestSyncAll_Cancellation(t *testing.T) {
	st := newTestStore(t)
	seedVehicle(t, st, store.Vehicle{ID: 101, UserID: 555, VIN: "A", DateUpdated: "2024-05-01 10:00:00"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	deals := &fakeDeals{dealsByUser: map[int64]int64{555: 10}, fields: map[int64]map[string]interface{}{}}
	svc := NewService(st, deals, testMappings(), Options{}, quietLogger())

	if _, err := svc.SyncAll(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("SyncAll() error = %v, want context.Canceled", err)
	}
}
