package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/waste-dispatch/internal/dispatcher"
	"github.com/example/waste-dispatch/internal/events"
	"github.com/example/waste-dispatch/internal/fleet"
	"github.com/example/waste-dispatch/internal/intake"
	"github.com/example/waste-dispatch/internal/lifecycle"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/notify"
	"github.com/example/waste-dispatch/internal/storage"
	"github.com/example/waste-dispatch/internal/surge"
)

const maxPhotoBytes = 8 << 20

// Deps are the services the API fronts. Surge and WS are optional.
type Deps struct {
	Intake     *intake.Service
	Dispatcher *dispatcher.Service
	Lifecycle  *lifecycle.Service
	Fleet      *fleet.Service
	Surge      *surge.Controller
	Bus        *events.Bus
	WS         *notify.WSRegistry
	// Checks are run by /readyz; any error marks the service unready.
	Checks    map[string]func(context.Context) error
	JWTSecret []byte
	Now       func() time.Time
}

type Server struct {
	intake     *intake.Service
	dispatcher *dispatcher.Service
	lifecycle  *lifecycle.Service
	fleet      *fleet.Service
	surge      *surge.Controller
	bus        *events.Bus
	ws         *notify.WSRegistry
	checks     map[string]func(context.Context) error
	jwtSecret  []byte
	now        func() time.Time
	logger     *slog.Logger
	mux        *mux.Router
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	s := &Server{
		intake:     d.Intake,
		dispatcher: d.Dispatcher,
		lifecycle:  d.Lifecycle,
		fleet:      d.Fleet,
		surge:      d.Surge,
		bus:        d.Bus,
		ws:         d.WS,
		checks:     d.Checks,
		jwtSecret:  d.JWTSecret,
		now:        d.Now,
		logger:     logger,
		mux:        mux.NewRouter(),
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/readyz", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.Handle("/ws", s.authMiddleware(http.HandlerFunc(s.handleWS)))

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/requests", s.handleSubmit).Methods("POST")
	api.HandleFunc("/requests", s.handleListRequests).Methods("GET")
	api.HandleFunc("/requests/estimate", s.handleEstimate).Methods("POST")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id}/cancel", s.handleCancelRequest).Methods("POST")
	api.HandleFunc("/requests/{id}/candidates", s.handleRequestCandidates).Methods("GET")
	api.HandleFunc("/requests/{id}/assign", s.handleAssign).Methods("POST")
	api.HandleFunc("/requests/{id}/dispatch", s.handleDispatch).Methods("POST")
	api.HandleFunc("/requests/{id}/collection", s.handleRequestCollection).Methods("GET")

	api.HandleFunc("/candidates", s.handleCandidates).Methods("GET")

	api.HandleFunc("/collectors", s.handleRegisterCollector).Methods("POST")
	api.HandleFunc("/collectors", s.handleListCollectors).Methods("GET")
	api.HandleFunc("/collectors/{id}", s.handleGetCollector).Methods("GET")
	api.HandleFunc("/collectors/{id}", s.handleDeleteCollector).Methods("DELETE")
	api.HandleFunc("/collectors/{id}/location", s.handleCollectorLocation).Methods("PUT", "POST")
	api.HandleFunc("/collectors/{id}/availability", s.handleCollectorAvailability).Methods("PUT")

	api.HandleFunc("/collections/{id}", s.handleGetCollection).Methods("GET")
	api.HandleFunc("/collections/{id}/transition", s.handleTransition).Methods("POST")
	api.HandleFunc("/collections/{id}/rating", s.handleRate).Methods("POST")
	api.HandleFunc("/collections/{id}/photos", s.handleAddPhoto).Methods("POST")

	api.HandleFunc("/surge", s.handleSurge).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func actor(r *http.Request) models.Actor {
	a, _ := actorFromContext(r.Context())
	return a
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// requests

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in intake.Input
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.intake.Submit(r.Context(), actor(r), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var in intake.Input
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	est, err := s.intake.Estimate(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.RequestFilter{Status: models.RequestStatus(q.Get("status")), CustomerID: q.Get("customer_id")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			verr := &models.ValidationError{}
			verr.Add("limit", "must be a non-negative integer")
			s.fail(w, r, verr)
			return
		}
		f.Limit = n
	}
	list, err := s.intake.List(r.Context(), actor(r), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []models.WasteRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.intake.Get(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if r.ContentLength != 0 {
		if err := decode(w, r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	req, err := s.intake.Cancel(r.Context(), actor(r), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRequestCandidates(w http.ResponseWriter, r *http.Request) {
	req, err := s.intake.Get(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Pickup.Coord == nil {
		s.fail(w, r, models.ErrNoCandidatesFound)
		return
	}
	cands, err := s.dispatcher.FindCandidates(r.Context(), *req.Pickup.Coord, req.WasteType, req.QuantityKg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeCandidates(w, cands)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	if a := actor(r); a.Role != models.RoleAdmin {
		s.fail(w, r, models.ErrForbidden)
		return
	}
	q := r.URL.Query()
	verr := &models.ValidationError{}
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		verr.Add("lat", "must be a number")
	}
	lon, err := strconv.ParseFloat(q.Get("lon"), 64)
	if err != nil {
		verr.Add("lon", "must be a number")
	}
	qty, err := strconv.ParseFloat(q.Get("quantity_kg"), 64)
	if err != nil {
		verr.Add("quantity_kg", "must be a number")
	}
	if err := verr.Err(); err != nil {
		s.fail(w, r, err)
		return
	}
	cands, err := s.dispatcher.FindCandidates(r.Context(), models.Coord{Lat: lat, Lon: lon}, models.WasteType(q.Get("waste_type")), qty)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeCandidates(w, cands)
}

func writeCandidates(w http.ResponseWriter, cands []dispatcher.Candidate) {
	if cands == nil {
		cands = []dispatcher.Candidate{}
	}
	writeJSON(w, http.StatusOK, cands)
}

type assignBody struct {
	CollectorID string `json:"collector_id"`
}

// handleAssign lets an admin bind any collector, or a collector accept a
// request for themselves.
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	var body assignBody
	if r.ContentLength != 0 {
		if err := decode(w, r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	switch a.Role {
	case models.RoleAdmin:
		if body.CollectorID == "" {
			verr := &models.ValidationError{}
			verr.Add("collector_id", "is required")
			s.fail(w, r, verr)
			return
		}
	case models.RoleCollector:
		if body.CollectorID != "" && body.CollectorID != a.ID {
			s.fail(w, r, models.ErrForbidden)
			return
		}
		body.CollectorID = a.ID
	default:
		s.fail(w, r, models.ErrForbidden)
		return
	}
	c, err := s.dispatcher.Assign(r.Context(), mux.Vars(r)["id"], body.CollectorID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if actor(r).Role != models.RoleAdmin {
		s.fail(w, r, models.ErrForbidden)
		return
	}
	c, err := s.dispatcher.Dispatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleRequestCollection(w http.ResponseWriter, r *http.Request) {
	col, err := s.dispatcher.Store.ActiveCollectionForRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// re-read through lifecycle for the participant check
	col, err = s.lifecycle.Get(r.Context(), actor(r), col.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, col)
}

// collectors

func (s *Server) handleRegisterCollector(w http.ResponseWriter, r *http.Request) {
	var c models.Collector
	if err := decode(w, r, &c); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.fleet.Register(r.Context(), actor(r), c)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListCollectors(w http.ResponseWriter, r *http.Request) {
	list, err := s.fleet.List(r.Context(), actor(r), models.CollectorStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []models.Collector{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetCollector(w http.ResponseWriter, r *http.Request) {
	c, err := s.fleet.Get(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCollector(w http.ResponseWriter, r *http.Request) {
	if err := s.fleet.Delete(r.Context(), actor(r), mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCollectorLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.Coord
	if err := decode(w, r, &loc); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.fleet.UpdateLocation(r.Context(), actor(r), mux.Vars(r)["id"], loc); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type availabilityBody struct {
	Online *bool `json:"online"`
}

func (s *Server) handleCollectorAvailability(w http.ResponseWriter, r *http.Request) {
	var body availabilityBody
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Online == nil {
		verr := &models.ValidationError{}
		verr.Add("online", "is required")
		s.fail(w, r, verr)
		return
	}
	c, err := s.fleet.SetAvailability(r.Context(), actor(r), mux.Vars(r)["id"], *body.Online)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// collections

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	c, err := s.lifecycle.Get(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type transitionBody struct {
	Status models.CollectionStatus `json:"status"`
	Reason string                  `json:"reason,omitempty"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body transitionBody
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.lifecycle.Transition(r.Context(), actor(r), mux.Vars(r)["id"], body.Status, body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type rateBody struct {
	Rating int `json:"rating"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var body rateBody
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.lifecycle.Rate(r.Context(), actor(r), mux.Vars(r)["id"], body.Rating)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAddPhoto(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPhotoBytes)
	if err := r.ParseMultipartForm(maxPhotoBytes); err != nil {
		verr := &models.ValidationError{}
		verr.Add("photo", "expected a multipart upload of at most 8 MiB")
		s.fail(w, r, verr)
		return
	}
	file, header, err := r.FormFile("photo")
	if err != nil {
		verr := &models.ValidationError{}
		verr.Add("photo", "is required")
		s.fail(w, r, verr)
		return
	}
	defer file.Close()
	c, err := s.lifecycle.AddPhoto(r.Context(), actor(r), mux.Vars(r)["id"], header.Header.Get("Content-Type"), file, header.Size)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleSurge(w http.ResponseWriter, r *http.Request) {
	if s.surge == nil {
		writeJSON(w, http.StatusOK, []models.SurgeState{})
		return
	}
	active := s.surge.Active(s.now())
	if active == nil {
		active = []models.SurgeState{}
	}
	writeJSON(w, http.StatusOK, active)
}
