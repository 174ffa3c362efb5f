package worker

import (
	"context"
	"testing"
	"time"

	"github.com/example/waste-dispatch/internal/dispatcher"
	"github.com/example/waste-dispatch/internal/logging"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/storage"
)

var (
	now = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
	cbd = models.Coord{Lat: -1.2864, Lon: 36.8172}
)

func request(t *testing.T, st *storage.MemoryStore, id string, age time.Duration) {
	t.Helper()
	c := cbd
	err := st.CreateRequest(context.Background(), &models.WasteRequest{
		ID:         id,
		CustomerID: "cust1",
		WasteType:  models.WasteOrganic,
		QuantityKg: 20,
		Pickup:     models.Location{Coord: &c},
		Price:      models.PriceEstimate{FinalPrice: 300, Currency: "KES"},
		Status:     models.RequestPending,
		CreatedAt:  now.Add(-age),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunOnceTimesOutStaleAndDispatchesFresh(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	if err := st.UpsertCollector(ctx, &models.Collector{ID: "col1", CapacityKg: 100, Loc: cbd, Specializations: []models.WasteType{models.WasteOrganic}}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetCollectorStatus(ctx, "col1", models.CollectorOffline, models.CollectorAvailable); err != nil {
		t.Fatal(err)
	}
	request(t, st, "stale", 15*time.Minute)
	request(t, st, "fresh", time.Minute)
	request(t, st, "fresh2", 30*time.Second)

	clock := func() time.Time { return now }
	w := &Redispatcher{
		Store:      st,
		Dispatcher: &dispatcher.Service{Store: st, Logger: logging.Discard(), Config: dispatcher.Config{RadiusM: 5000}, Now: clock},
		Logger:     logging.Discard(),
		Config:     Config{PendingTimeout: 10 * time.Minute, AutoDispatch: true},
		Now:        clock,
	}
	res, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.TimedOut != 1 || res.Assigned != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	stale, _ := st.GetRequest(ctx, "stale")
	if stale.Status != models.RequestCancelled || stale.CancelledBy != SystemActor {
		t.Fatalf("stale request should be cancelled by system, got %+v", stale)
	}
	fresh, _ := st.GetRequest(ctx, "fresh")
	if fresh.Status != models.RequestAccepted {
		t.Fatalf("oldest fresh request should be assigned first, got %s", fresh.Status)
	}
	other, _ := st.GetRequest(ctx, "fresh2")
	if other.Status != models.RequestPending {
		t.Fatalf("only one collector exists, got %s", other.Status)
	}
}

func TestRunOnceWithoutAutoDispatchOnlyExpires(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	request(t, st, "fresh", time.Minute)
	w := &Redispatcher{
		Store:  st,
		Logger: logging.Discard(),
		Config: Config{PendingTimeout: 10 * time.Minute},
		Now:    func() time.Time { return now },
	}
	res, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res != (Result{}) {
		t.Fatalf("expected nothing to happen, got %+v", res)
	}
}
