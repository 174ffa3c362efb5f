package lifecycle

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/waste-dispatch/internal/logging"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/storage"
)

var (
	t0        = time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
	customer  = models.Actor{ID: "cust1", Role: models.RoleCustomer}
	collector = models.Actor{ID: "col1", Role: models.RoleCollector}
	admin     = models.Actor{ID: "ops", Role: models.RoleAdmin}
	stranger  = models.Actor{ID: "col2", Role: models.RoleCollector}
)

type fakeGateway struct {
	mu        sync.Mutex
	captured  []string
	cancelled []string
}

func (g *fakeGateway) Hold(context.Context, int64, string, string) (string, error) {
	return "pi_1", nil
}
func (g *fakeGateway) Capture(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captured = append(g.captured, id)
	return nil
}
func (g *fakeGateway) Cancel(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, id)
	return nil
}

type fakePhotos struct{ keys []string }

func (f *fakePhotos) Put(_ context.Context, key, _ string, body io.Reader, _ int64) (string, error) {
	if _, err := io.ReadAll(body); err != nil {
		return "", err
	}
	f.keys = append(f.keys, key)
	return "https://photos.example/" + key, nil
}

func setup(t *testing.T, gross int64) (*Service, *storage.MemoryStore, *fakeGateway) {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemoryStore()
	if err := st.UpsertCollector(ctx, &models.Collector{ID: "col1", CapacityKg: 100, Specializations: []models.WasteType{models.WastePlastic}}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetCollectorStatus(ctx, "col1", models.CollectorOffline, models.CollectorAvailable); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateRequest(ctx, &models.WasteRequest{ID: "r1", CustomerID: "cust1", Status: models.RequestPending, CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	c := &models.Collection{
		ID:          "k1",
		RequestID:   "r1",
		CollectorID: "col1",
		CustomerID:  "cust1",
		Status:      models.CollectionAssigned,
		Payment:     models.PaymentBreakdown{Gross: gross, CommissionRate: 0.15, PlatformFee: 20, Currency: "KES", PaymentIntentID: "pi_1"},
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
	c.Timeline.Stamp(models.CollectionAssigned, t0)
	if err := st.Assign(ctx, c); err != nil {
		t.Fatal(err)
	}
	gw := &fakeGateway{}
	var mu sync.Mutex
	clock := t0
	svc := &Service{
		Store:    st,
		Payments: gw,
		Logger:   logging.Discard(),
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Minute)
			return clock
		},
	}
	return svc, st, gw
}

func advance(t *testing.T, s *Service, to ...models.CollectionStatus) *models.Collection {
	t.Helper()
	var c *models.Collection
	var err error
	for _, st := range to {
		if c, err = s.Transition(context.Background(), collector, "k1", st, ""); err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}
	return c
}

func TestHappyPathFinalizesPayment(t *testing.T) {
	s, st, gw := setup(t, 1000)
	c := advance(t, s, models.CollectionEnRoute, models.CollectionArrived, models.CollectionCollecting, models.CollectionCompleted)

	if c.Timeline.EnRouteAt == nil || c.Timeline.ArrivedAt == nil || c.Timeline.CollectingAt == nil || c.Timeline.CompletedAt == nil {
		t.Fatalf("missing timeline stamps %+v", c.Timeline)
	}
	p := c.Payment
	if !p.Finalized || p.Commission != 150 || p.CollectorNet != 830 {
		t.Fatalf("unexpected payment %+v", p)
	}
	ctx := context.Background()
	col, _ := st.GetCollector(ctx, "col1")
	if col.Status != models.CollectorAvailable {
		t.Fatalf("collector should be available, got %s", col.Status)
	}
	r, _ := st.GetRequest(ctx, "r1")
	if r.Status != models.RequestCompleted {
		t.Fatalf("request should be completed, got %s", r.Status)
	}
	if len(gw.captured) != 1 || gw.captured[0] != "pi_1" {
		t.Fatalf("expected capture of pi_1, got %v", gw.captured)
	}
}

func TestCollectorNetFlooredAtZero(t *testing.T) {
	s, _, _ := setup(t, 10)
	c := advance(t, s, models.CollectionEnRoute, models.CollectionArrived, models.CollectionCollecting, models.CollectionCompleted)
	if c.Payment.CollectorNet != 0 {
		t.Fatalf("expected net 0, got %d", c.Payment.CollectorNet)
	}
}

func TestReapplyingCurrentStateIsNoop(t *testing.T) {
	s, _, _ := setup(t, 1000)
	first := advance(t, s, models.CollectionEnRoute)
	again, err := s.Transition(context.Background(), collector, "k1", models.CollectionEnRoute, "")
	if err != nil {
		t.Fatal(err)
	}
	if !again.Timeline.EnRouteAt.Equal(*first.Timeline.EnRouteAt) || !again.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatal("re-applied transition changed the collection")
	}
}

func TestSkippingAStepIsIllegal(t *testing.T) {
	s, _, _ := setup(t, 1000)
	_, err := s.Transition(context.Background(), collector, "k1", models.CollectionArrived, "")
	if !errors.Is(err, models.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	_, err = s.Transition(context.Background(), collector, "k1", models.CollectionAssigned, "")
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("assigned is not a target state, got %v", err)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	s, _, _ := setup(t, 1000)
	advance(t, s, models.CollectionEnRoute, models.CollectionArrived, models.CollectionCollecting, models.CollectionCompleted)
	for _, to := range []models.CollectionStatus{models.CollectionCancelled, models.CollectionEnRoute} {
		if _, err := s.Transition(context.Background(), admin, "k1", to, ""); !errors.Is(err, models.ErrIllegalTransition) {
			t.Fatalf("completed -> %s: expected illegal transition, got %v", to, err)
		}
	}
}

func TestCustomerCancelCancelsRequest(t *testing.T) {
	s, st, gw := setup(t, 1000)
	c, err := s.Transition(context.Background(), customer, "k1", models.CollectionCancelled, "changed my mind")
	if err != nil {
		t.Fatal(err)
	}
	if c.CancelledBy != "cust1" || c.CancelReason != "changed my mind" || c.Timeline.CancelledAt == nil {
		t.Fatalf("unexpected collection %+v", c)
	}
	r, _ := st.GetRequest(context.Background(), "r1")
	if r.Status != models.RequestCancelled || r.CancelledBy != "cust1" {
		t.Fatalf("expected request cancelled by customer, got %s/%s", r.Status, r.CancelledBy)
	}
	if len(gw.cancelled) != 1 {
		t.Fatal("payment hold should be released")
	}
}

func TestCollectorCancelReleasesRequest(t *testing.T) {
	s, st, _ := setup(t, 1000)
	advance(t, s, models.CollectionEnRoute)
	if _, err := s.Transition(context.Background(), collector, "k1", models.CollectionCancelled, "truck broke down"); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	r, _ := st.GetRequest(ctx, "r1")
	if r.Status != models.RequestPending {
		t.Fatalf("request should be back to pending, got %s", r.Status)
	}
	col, _ := st.GetCollector(ctx, "col1")
	if col.Status != models.CollectorAvailable {
		t.Fatalf("collector should be available, got %s", col.Status)
	}
}

func TestCancelPermissions(t *testing.T) {
	s, _, _ := setup(t, 1000)
	ctx := context.Background()
	if _, err := s.Transition(ctx, customer, "k1", models.CollectionEnRoute, ""); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("customer must not advance, got %v", err)
	}
	if _, err := s.Transition(ctx, stranger, "k1", models.CollectionCancelled, ""); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("other collector must not cancel, got %v", err)
	}
	advance(t, s, models.CollectionEnRoute, models.CollectionArrived, models.CollectionCollecting)
	if _, err := s.Transition(ctx, customer, "k1", models.CollectionCancelled, ""); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("customer must not cancel while collecting, got %v", err)
	}
	if _, err := s.Transition(ctx, admin, "k1", models.CollectionCancelled, "dispute"); err != nil {
		t.Fatalf("admin cancel while collecting: %v", err)
	}
}

func TestConcurrentTransitionsApplyOnce(t *testing.T) {
	s, _, _ := setup(t, 1000)
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Transition(context.Background(), collector, "k1", models.CollectionEnRoute, "")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("identical concurrent transitions should all succeed, got %v", err)
		}
	}
}

func TestRate(t *testing.T) {
	s, st, _ := setup(t, 1000)
	ctx := context.Background()
	if _, err := s.Rate(ctx, customer, "k1", 4); !errors.Is(err, models.ErrIllegalTransition) {
		t.Fatalf("rating before completion, got %v", err)
	}
	advance(t, s, models.CollectionEnRoute, models.CollectionArrived, models.CollectionCollecting, models.CollectionCompleted)
	if _, err := s.Rate(ctx, customer, "k1", 6); err == nil {
		t.Fatal("rating 6 should be rejected")
	}
	if _, err := s.Rate(ctx, collector, "k1", 5); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("collector cannot rate, got %v", err)
	}
	c, err := s.Rate(ctx, customer, "k1", 4)
	if err != nil || c.Rating == nil || *c.Rating != 4 {
		t.Fatalf("rate: %v %+v", err, c)
	}
	if _, err := s.Rate(ctx, customer, "k1", 5); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("second rating should conflict, got %v", err)
	}
	col, _ := st.GetCollector(ctx, "col1")
	if col.Rating != 4 || col.RatingCount != 1 {
		t.Fatalf("unexpected collector rating %v/%d", col.Rating, col.RatingCount)
	}
}

func TestAddPhoto(t *testing.T) {
	s, _, _ := setup(t, 1000)
	photos := &fakePhotos{}
	s.Photos = photos
	ctx := context.Background()
	if _, err := s.AddPhoto(ctx, customer, "k1", "image/jpeg", strings.NewReader("x"), 1); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("customer upload should be forbidden, got %v", err)
	}
	if _, err := s.AddPhoto(ctx, collector, "k1", "text/plain", strings.NewReader("x"), 1); err == nil {
		t.Fatal("non-image should be rejected")
	}
	c, err := s.AddPhoto(ctx, collector, "k1", "image/png", strings.NewReader("png-bytes"), 9)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.PhotoURLs) != 1 || !strings.HasPrefix(photos.keys[0], "collections/k1/") {
		t.Fatalf("unexpected photos %v / %v", c.PhotoURLs, photos.keys)
	}
}
