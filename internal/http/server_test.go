package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/waste-dispatch/internal/dispatcher"
	"github.com/example/waste-dispatch/internal/events"
	"github.com/example/waste-dispatch/internal/fleet"
	"github.com/example/waste-dispatch/internal/geo"
	"github.com/example/waste-dispatch/internal/intake"
	"github.com/example/waste-dispatch/internal/lifecycle"
	"github.com/example/waste-dispatch/internal/logging"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/notify"
	"github.com/example/waste-dispatch/internal/pricing"
	"github.com/example/waste-dispatch/internal/storage"
)

var (
	secret = []byte("test-secret")
	// 11:00 in Nairobi, outside the evening peak
	clock = func() time.Time { return time.Date(2025, 3, 4, 8, 0, 0, 0, time.UTC) }
)

type testServer struct {
	*Server
	bus    *events.Bus
	tokens map[string]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := logging.Discard()
	st := storage.NewMemoryStore()
	idx := geo.NewIndex(0.02)
	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)

	disp := &dispatcher.Service{Store: st, Geo: idx, Bus: bus, Logger: logger, Config: dispatcher.Config{RadiusM: 10000, CommissionRate: 0.15}, Now: clock}
	life := &lifecycle.Service{Store: st, Bus: bus, Logger: logger, Now: clock}
	srv := NewServer(Deps{
		Intake:     &intake.Service{Store: st, Pricing: pricing.NewEngine(nil), Canceller: life, Bus: bus, Logger: logger, Now: clock},
		Dispatcher: disp,
		Lifecycle:  life,
		Fleet:      &fleet.Service{Store: st, Geo: idx, Bus: bus, Logger: logger, Now: clock},
		Bus:        bus,
		WS:         notify.NewWSRegistry(),
		JWTSecret:  secret,
		Now:        clock,
	}, logger)

	ts := &testServer{Server: srv, bus: bus, tokens: map[string]string{}}
	for _, a := range []models.Actor{
		{ID: "ops", Role: models.RoleAdmin},
		{ID: "cust1", Role: models.RoleCustomer},
		{ID: "cust2", Role: models.RoleCustomer},
		{ID: "col1", Role: models.RoleCollector},
	} {
		tok, err := IssueToken(secret, a, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		ts.tokens[a.ID] = tok
	}
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+ts.tokens[user])
	}
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)
	expectStatus(t, ts.do(t, "GET", "/healthz", "", nil), http.StatusOK)
	expectStatus(t, ts.do(t, "GET", "/readyz", "", nil), http.StatusOK)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	expectStatus(t, ts.do(t, "GET", "/api/v1/requests", "", nil), http.StatusUnauthorized)

	forged, _ := IssueToken([]byte("other"), models.Actor{ID: "ops", Role: models.RoleAdmin}, time.Hour)
	req := httptest.NewRequest("GET", "/api/v1/requests", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusUnauthorized)

	expired, _ := IssueToken(secret, models.Actor{ID: "ops", Role: models.RoleAdmin}, -time.Minute)
	req = httptest.NewRequest("GET", "/api/v1/requests", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec = httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestFullPickupFlow(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/v1/collectors", "ops", map[string]any{
		"id": "col1", "name": "Otieno", "capacity_kg": 200, "specializations": []string{"plastic", "mixed"},
	})
	expectStatus(t, rec, http.StatusCreated)
	expectStatus(t, ts.do(t, "PUT", "/api/v1/collectors/col1/location", "col1", map[string]float64{"lat": -1.2864, "lon": 36.8172}), http.StatusNoContent)
	rec = ts.do(t, "PUT", "/api/v1/collectors/col1/availability", "col1", map[string]bool{"online": true})
	expectStatus(t, rec, http.StatusOK)
	if c := decodeBody[models.Collector](t, rec); c.Status != models.CollectorAvailable {
		t.Fatalf("expected available, got %s", c.Status)
	}

	rec = ts.do(t, "POST", "/api/v1/requests", "cust1", map[string]any{
		"waste_type":  "plastic",
		"quantity_kg": 50,
		"pickup":      map[string]any{"address": "Kencom", "coord": map[string]float64{"lat": -1.2850, "lon": 36.8250}},
	})
	expectStatus(t, rec, http.StatusCreated)
	req := decodeBody[models.WasteRequest](t, rec)
	if req.Status != models.RequestPending || req.Price.FinalPrice < int64(req.Price.BasePrice) {
		t.Fatalf("unexpected request %+v", req)
	}

	rec = ts.do(t, "GET", "/api/v1/requests/"+req.ID+"/candidates", "cust1", nil)
	expectStatus(t, rec, http.StatusOK)
	if cands := decodeBody[[]dispatcher.Candidate](t, rec); len(cands) != 1 || cands[0].Collector.ID != "col1" {
		t.Fatalf("unexpected candidates %+v", cands)
	}

	rec = ts.do(t, "POST", "/api/v1/requests/"+req.ID+"/assign", "col1", nil)
	expectStatus(t, rec, http.StatusCreated)
	col := decodeBody[models.Collection](t, rec)

	// a second accept loses
	rec = ts.do(t, "POST", "/api/v1/requests/"+req.ID+"/assign", "ops", map[string]string{"collector_id": "col1"})
	expectStatus(t, rec, http.StatusConflict)
	if e := decodeBody[errorBody](t, rec); e.Error != "already_assigned" {
		t.Fatalf("unexpected error code %q", e.Error)
	}

	for _, st := range []string{"en_route", "arrived", "collecting", "completed"} {
		rec = ts.do(t, "POST", "/api/v1/collections/"+col.ID+"/transition", "col1", map[string]string{"status": st})
		expectStatus(t, rec, http.StatusOK)
	}
	done := decodeBody[models.Collection](t, rec)
	if !done.Payment.Finalized || done.Payment.Commission != 150 || done.Payment.CollectorNet != 850 {
		t.Fatalf("unexpected payment %+v", done.Payment)
	}

	rec = ts.do(t, "POST", "/api/v1/collections/"+col.ID+"/transition", "col1", map[string]string{"status": "en_route"})
	expectStatus(t, rec, http.StatusConflict)

	expectStatus(t, ts.do(t, "POST", "/api/v1/collections/"+col.ID+"/rating", "cust1", map[string]int{"rating": 5}), http.StatusOK)
	expectStatus(t, ts.do(t, "POST", "/api/v1/collections/"+col.ID+"/rating", "cust1", map[string]int{"rating": 4}), http.StatusConflict)

	rec = ts.do(t, "GET", "/api/v1/collectors/col1", "col1", nil)
	expectStatus(t, rec, http.StatusOK)
	if c := decodeBody[models.Collector](t, rec); c.Rating != 5 || c.Status != models.CollectorAvailable {
		t.Fatalf("unexpected collector after completion %+v", c)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/v1/requests", "cust1", map[string]any{"waste_type": "glass", "quantity_kg": -1})
	expectStatus(t, rec, http.StatusBadRequest)
	e := decodeBody[errorBody](t, rec)
	if e.Error != "validation_failed" || len(e.Fields) < 3 {
		t.Fatalf("expected field errors, got %+v", e)
	}

	expectStatus(t, ts.do(t, "GET", "/api/v1/requests/missing", "cust1", nil), http.StatusNotFound)
	expectStatus(t, ts.do(t, "POST", "/api/v1/requests/missing/dispatch", "cust1", nil), http.StatusForbidden)
	expectStatus(t, ts.do(t, "GET", "/api/v1/collectors", "cust1", nil), http.StatusForbidden)

	rec = ts.do(t, "POST", "/api/v1/requests", "cust1", map[string]any{
		"waste_type": "organic", "quantity_kg": 10, "pickup": map[string]any{"coord": map[string]float64{"lat": -1.3, "lon": 36.8}},
	})
	expectStatus(t, rec, http.StatusCreated)
	req := decodeBody[models.WasteRequest](t, rec)
	expectStatus(t, ts.do(t, "GET", "/api/v1/requests/"+req.ID, "cust2", nil), http.StatusForbidden)
	rec = ts.do(t, "POST", "/api/v1/requests/"+req.ID+"/dispatch", "ops", nil)
	expectStatus(t, rec, http.StatusUnprocessableEntity)

	rec = ts.do(t, "POST", "/api/v1/requests", "cust1", map[string]any{"waste_type": "plastic", "bogus": true})
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestCancelRequest(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "POST", "/api/v1/requests", "cust1", map[string]any{
		"waste_type": "mixed", "quantity_kg": 5, "pickup": map[string]any{"coord": map[string]float64{"lat": -1.3, "lon": 36.8}},
	})
	expectStatus(t, rec, http.StatusCreated)
	req := decodeBody[models.WasteRequest](t, rec)

	rec = ts.do(t, "POST", "/api/v1/requests/"+req.ID+"/cancel", "cust1", map[string]string{"reason": "sorted it myself"})
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[models.WasteRequest](t, rec); got.Status != models.RequestCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	expectStatus(t, ts.do(t, "POST", "/api/v1/requests/"+req.ID+"/cancel", "cust1", nil), http.StatusOK)
}

func TestRequestIDEchoed(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("expected request id echoed, got %q", got)
	}
}

func TestEventsFor(t *testing.T) {
	e := events.Event{CustomerID: "cust1", CollectorID: "col1"}
	if !eventsFor(models.Actor{ID: "cust1", Role: models.RoleCustomer})(e) {
		t.Fatal("customer should see own event")
	}
	if eventsFor(models.Actor{ID: "cust2", Role: models.RoleCustomer})(e) {
		t.Fatal("other customer must not see event")
	}
	if !eventsFor(models.Actor{ID: "col1", Role: models.RoleCollector})(e) {
		t.Fatal("collector should see own event")
	}
	if !eventsFor(models.Actor{ID: "ops", Role: models.RoleAdmin})(e) {
		t.Fatal("admin sees everything")
	}
}

func TestWebSocketStreamsOwnEvents(t *testing.T) {
	ts := newTestServer(t)
	hs := httptest.NewServer(ts)
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws?token=" + ts.tokens["cust1"]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// the subscription is registered just after the handshake; keep
	// publishing until the first frame arrives
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				ts.bus.Publish(events.Event{Type: events.RequestCreated, CustomerID: "cust2", RequestID: "other"})
				ts.bus.Publish(events.Event{Type: events.RequestCreated, CustomerID: "cust1", RequestID: "mine"})
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame struct {
		Type  string       `json:"type"`
		Event events.Event `json:"event"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != "event" || frame.Event.RequestID != "mine" {
		t.Fatalf("unexpected frame %+v", frame)
	}
}
