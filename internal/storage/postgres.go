package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/retry"
)

type PostgresStore struct {
	db    *sqlx.DB
	retry retry.Policy
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db, retry: retry.Default}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, retry: retry.Default}
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *PostgresStore) Close() error                   { return p.db.Close() }

// Migrate applies the schema through the store's own handle.
func (p *PostgresStore) Migrate(ctx context.Context) error { return Migrate(ctx, p.db) }

// Migrate creates the schema if it does not exist yet.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS waste_requests (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			contact_phone TEXT NOT NULL DEFAULT '',
			waste_type TEXT NOT NULL,
			quantity_kg DOUBLE PRECISION NOT NULL,
			urgency TEXT NOT NULL,
			address TEXT NOT NULL DEFAULT '',
			lat DOUBLE PRECISION,
			lon DOUBLE PRECISION,
			window_start TIMESTAMPTZ,
			window_end TIMESTAMPTZ,
			notes TEXT NOT NULL DEFAULT '',
			price JSONB NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending', 'accepted', 'completed', 'cancelled')),
			cancelled_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_waste_requests_status ON waste_requests(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_waste_requests_customer ON waste_requests(customer_id)`,

		`CREATE TABLE IF NOT EXISTS collectors (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			device_token TEXT NOT NULL DEFAULT '',
			capacity_kg DOUBLE PRECISION NOT NULL,
			lat DOUBLE PRECISION NOT NULL DEFAULT 0,
			lon DOUBLE PRECISION NOT NULL DEFAULT 0,
			loc_updated_at TIMESTAMPTZ,
			specializations TEXT[] NOT NULL DEFAULT '{}',
			status TEXT NOT NULL CHECK(status IN ('offline', 'available', 'busy')),
			rating DOUBLE PRECISION NOT NULL DEFAULT 0,
			rating_count INT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_collectors_status ON collectors(status)`,

		`CREATE TABLE IF NOT EXISTS collections (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL REFERENCES waste_requests(id),
			collector_id TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			status TEXT NOT NULL,
			timeline JSONB NOT NULL,
			payment JSONB NOT NULL,
			rating INT,
			photo_urls TEXT[] NOT NULL DEFAULT '{}',
			cancelled_by TEXT NOT NULL DEFAULT '',
			cancel_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		// at most one live collection per request
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_collections_live_request
			ON collections(request_id) WHERE status <> 'cancelled'`,
		`CREATE INDEX IF NOT EXISTS idx_collections_collector ON collections(collector_id)`,
	}

	for i, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

type requestRow struct {
	ID           string          `db:"id"`
	CustomerID   string          `db:"customer_id"`
	ContactPhone string          `db:"contact_phone"`
	WasteType    string          `db:"waste_type"`
	QuantityKg   float64         `db:"quantity_kg"`
	Urgency      string          `db:"urgency"`
	Address      string          `db:"address"`
	Lat          sql.NullFloat64 `db:"lat"`
	Lon          sql.NullFloat64 `db:"lon"`
	WindowStart  sql.NullTime    `db:"window_start"`
	WindowEnd    sql.NullTime    `db:"window_end"`
	Notes        string          `db:"notes"`
	Price        []byte          `db:"price"`
	Status       string          `db:"status"`
	CancelledBy  string          `db:"cancelled_by"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

func (r requestRow) model() (*models.WasteRequest, error) {
	out := &models.WasteRequest{
		ID:           r.ID,
		CustomerID:   r.CustomerID,
		ContactPhone: r.ContactPhone,
		WasteType:    models.WasteType(r.WasteType),
		QuantityKg:   r.QuantityKg,
		Urgency:      models.Urgency(r.Urgency),
		Pickup:       models.Location{Address: r.Address},
		Notes:        r.Notes,
		Status:       models.RequestStatus(r.Status),
		CancelledBy:  r.CancelledBy,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.Lat.Valid && r.Lon.Valid {
		out.Pickup.Coord = &models.Coord{Lat: r.Lat.Float64, Lon: r.Lon.Float64}
	}
	if r.WindowStart.Valid && r.WindowEnd.Valid {
		out.Window = &models.TimeWindow{Start: r.WindowStart.Time, End: r.WindowEnd.Time}
	}
	if err := json.Unmarshal(r.Price, &out.Price); err != nil {
		return nil, fmt.Errorf("decode price of %s: %w", r.ID, err)
	}
	return out, nil
}

type collectorRow struct {
	ID              string         `db:"id"`
	Name            string         `db:"name"`
	Phone           string         `db:"phone"`
	DeviceToken     string         `db:"device_token"`
	CapacityKg      float64        `db:"capacity_kg"`
	Lat             float64        `db:"lat"`
	Lon             float64        `db:"lon"`
	LocUpdatedAt    sql.NullTime   `db:"loc_updated_at"`
	Specializations pq.StringArray `db:"specializations"`
	Status          string         `db:"status"`
	Rating          float64        `db:"rating"`
	RatingCount     int            `db:"rating_count"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r collectorRow) model() models.Collector {
	c := models.Collector{
		ID:          r.ID,
		Name:        r.Name,
		Phone:       r.Phone,
		DeviceToken: r.DeviceToken,
		CapacityKg:  r.CapacityKg,
		Loc:         models.Coord{Lat: r.Lat, Lon: r.Lon},
		Status:      models.CollectorStatus(r.Status),
		Rating:      r.Rating,
		RatingCount: r.RatingCount,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.LocUpdatedAt.Valid {
		c.LocUpdatedAt = r.LocUpdatedAt.Time
	}
	for _, s := range r.Specializations {
		c.Specializations = append(c.Specializations, models.WasteType(s))
	}
	return c
}

type collectionRow struct {
	ID           string         `db:"id"`
	RequestID    string         `db:"request_id"`
	CollectorID  string         `db:"collector_id"`
	CustomerID   string         `db:"customer_id"`
	Status       string         `db:"status"`
	Timeline     []byte         `db:"timeline"`
	Payment      []byte         `db:"payment"`
	Rating       sql.NullInt64  `db:"rating"`
	PhotoURLs    pq.StringArray `db:"photo_urls"`
	CancelledBy  string         `db:"cancelled_by"`
	CancelReason string         `db:"cancel_reason"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r collectionRow) model() (*models.Collection, error) {
	c := &models.Collection{
		ID:           r.ID,
		RequestID:    r.RequestID,
		CollectorID:  r.CollectorID,
		CustomerID:   r.CustomerID,
		Status:       models.CollectionStatus(r.Status),
		PhotoURLs:    []string(r.PhotoURLs),
		CancelledBy:  r.CancelledBy,
		CancelReason: r.CancelReason,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.Rating.Valid {
		v := int(r.Rating.Int64)
		c.Rating = &v
	}
	if err := json.Unmarshal(r.Timeline, &c.Timeline); err != nil {
		return nil, fmt.Errorf("decode timeline of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(r.Payment, &c.Payment); err != nil {
		return nil, fmt.Errorf("decode payment of %s: %w", r.ID, err)
	}
	return c, nil
}

// do retries fn on transient driver errors only.
func (p *PostgresStore) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, p.retry, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && !retry.Transient(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, models.ErrNotFound)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

const requestColumns = `id, customer_id, contact_phone, waste_type, quantity_kg, urgency, address,
	lat, lon, window_start, window_end, notes, price, status, cancelled_by, created_at, updated_at`

// JSONB values are passed as strings; lib/pq would send []byte as bytea.
func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.WasteRequest) error {
	price, err := json.Marshal(r.Price)
	if err != nil {
		return err
	}
	var lat, lon sql.NullFloat64
	if r.Pickup.Coord != nil {
		lat = sql.NullFloat64{Float64: r.Pickup.Coord.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: r.Pickup.Coord.Lon, Valid: true}
	}
	var ws, we sql.NullTime
	if r.Window != nil {
		ws = sql.NullTime{Time: r.Window.Start, Valid: true}
		we = sql.NullTime{Time: r.Window.End, Valid: true}
	}
	return p.do(ctx, func(ctx context.Context) error {
		_, err := p.db.ExecContext(ctx, `INSERT INTO waste_requests (`+requestColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
			r.ID, r.CustomerID, r.ContactPhone, r.WasteType, r.QuantityKg, r.Urgency, r.Pickup.Address,
			lat, lon, ws, we, r.Notes, string(price), r.Status, r.CancelledBy, r.CreatedAt, r.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: request %s exists", models.ErrConflict, r.ID)
		}
		return err
	})
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.WasteRequest, error) {
	var row requestRow
	err := p.do(ctx, func(ctx context.Context) error {
		return p.db.GetContext(ctx, &row, `SELECT `+requestColumns+` FROM waste_requests WHERE id = $1`, id)
	})
	if err != nil {
		return nil, notFound(err, "request", id)
	}
	return row.model()
}

func (p *PostgresStore) ListRequests(ctx context.Context, f RequestFilter) ([]models.WasteRequest, error) {
	q := `SELECT ` + requestColumns + ` FROM waste_requests WHERE ($1 = '' OR status = $1)
		AND ($2 = '' OR customer_id = $2) AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY created_at, id`
	var before sql.NullTime
	if !f.CreatedBefore.IsZero() {
		before = sql.NullTime{Time: f.CreatedBefore, Valid: true}
	}
	args := []any{string(f.Status), f.CustomerID, before}
	if f.Limit > 0 {
		q += ` LIMIT $4`
		args = append(args, f.Limit)
	}
	var rows []requestRow
	if err := p.do(ctx, func(ctx context.Context) error {
		rows = rows[:0]
		return p.db.SelectContext(ctx, &rows, q, args...)
	}); err != nil {
		return nil, err
	}
	out := make([]models.WasteRequest, 0, len(rows))
	for _, r := range rows {
		m, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

func (p *PostgresStore) SetRequestStatus(ctx context.Context, id string, from, to models.RequestStatus, by string) error {
	return p.do(ctx, func(ctx context.Context) error {
		return setRequestStatus(ctx, p.db, id, from, to, by, time.Now().UTC())
	})
}

func setRequestStatus(ctx context.Context, ex sqlx.ExtContext, id string, from, to models.RequestStatus, by string, at time.Time) error {
	res, err := ex.ExecContext(ctx, `UPDATE waste_requests
		SET status = $1, cancelled_by = CASE WHEN $1 = 'cancelled' THEN $2 ELSE cancelled_by END, updated_at = $3
		WHERE id = $4 AND status = $5`, to, by, at, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var cur string
	if err := sqlx.GetContext(ctx, ex, &cur, `SELECT status FROM waste_requests WHERE id = $1`, id); err != nil {
		return notFound(err, "request", id)
	}
	return fmt.Errorf("request %s is %s: %w", id, cur, ErrRequestUnavailable)
}

const collectorColumns = `id, name, phone, device_token, capacity_kg, lat, lon, loc_updated_at,
	specializations, status, rating, rating_count, updated_at`

func (p *PostgresStore) UpsertCollector(ctx context.Context, c *models.Collector) error {
	specs := make(pq.StringArray, 0, len(c.Specializations))
	for _, s := range c.Specializations {
		specs = append(specs, string(s))
	}
	return p.do(ctx, func(ctx context.Context) error {
		_, err := p.db.ExecContext(ctx, `INSERT INTO collectors
			(id, name, phone, device_token, capacity_kg, specializations, status, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,'offline',$7)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, phone = EXCLUDED.phone,
				device_token = EXCLUDED.device_token, capacity_kg = EXCLUDED.capacity_kg,
				specializations = EXCLUDED.specializations, updated_at = EXCLUDED.updated_at`,
			c.ID, c.Name, c.Phone, c.DeviceToken, c.CapacityKg, specs, time.Now().UTC())
		return err
	})
}

func (p *PostgresStore) GetCollector(ctx context.Context, id string) (*models.Collector, error) {
	var row collectorRow
	err := p.do(ctx, func(ctx context.Context) error {
		return p.db.GetContext(ctx, &row, `SELECT `+collectorColumns+` FROM collectors WHERE id = $1`, id)
	})
	if err != nil {
		return nil, notFound(err, "collector", id)
	}
	c := row.model()
	return &c, nil
}

func (p *PostgresStore) GetCollectors(ctx context.Context, ids []string) ([]models.Collector, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []collectorRow
	if err := p.do(ctx, func(ctx context.Context) error {
		rows = rows[:0]
		return p.db.SelectContext(ctx, &rows, `SELECT `+collectorColumns+` FROM collectors WHERE id = ANY($1)`, pq.Array(ids))
	}); err != nil {
		return nil, err
	}
	return collectorModels(rows), nil
}

func (p *PostgresStore) ListCollectors(ctx context.Context, status models.CollectorStatus) ([]models.Collector, error) {
	var rows []collectorRow
	if err := p.do(ctx, func(ctx context.Context) error {
		rows = rows[:0]
		return p.db.SelectContext(ctx, &rows, `SELECT `+collectorColumns+` FROM collectors
			WHERE ($1 = '' OR status = $1) ORDER BY id`, string(status))
	}); err != nil {
		return nil, err
	}
	return collectorModels(rows), nil
}

func collectorModels(rows []collectorRow) []models.Collector {
	out := make([]models.Collector, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out
}

func (p *PostgresStore) UpdateCollectorLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error {
	return p.do(ctx, func(ctx context.Context) error {
		res, err := p.db.ExecContext(ctx, `UPDATE collectors SET lat = $1, lon = $2, loc_updated_at = $3, updated_at = $3
			WHERE id = $4`, loc.Lat, loc.Lon, at, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("collector %s: %w", id, models.ErrNotFound)
		}
		return nil
	})
}

func (p *PostgresStore) SetCollectorStatus(ctx context.Context, id string, from, to models.CollectorStatus) error {
	return p.do(ctx, func(ctx context.Context) error {
		return setCollectorStatus(ctx, p.db, id, from, to, time.Now().UTC())
	})
}

func setCollectorStatus(ctx context.Context, ex sqlx.ExtContext, id string, from, to models.CollectorStatus, at time.Time) error {
	res, err := ex.ExecContext(ctx, `UPDATE collectors SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, at, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var cur string
	if err := sqlx.GetContext(ctx, ex, &cur, `SELECT status FROM collectors WHERE id = $1`, id); err != nil {
		return notFound(err, "collector", id)
	}
	return fmt.Errorf("collector %s is %s: %w", id, cur, ErrCollectorUnavailable)
}

func (p *PostgresStore) DeleteCollector(ctx context.Context, id string) error {
	return p.do(ctx, func(ctx context.Context) error {
		res, err := p.db.ExecContext(ctx, `DELETE FROM collectors WHERE id = $1 AND status <> 'busy'`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		var cur string
		if err := p.db.GetContext(ctx, &cur, `SELECT status FROM collectors WHERE id = $1`, id); err != nil {
			return notFound(err, "collector", id)
		}
		return fmt.Errorf("collector %s is busy: %w", id, ErrCollectorUnavailable)
	})
}

// inTx runs fn in a transaction and retries the whole thing on transient errors.
func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return p.do(ctx, func(ctx context.Context) error {
		tx, err := p.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

const collectionColumns = `id, request_id, collector_id, customer_id, status, timeline, payment, rating,
	photo_urls, cancelled_by, cancel_reason, created_at, updated_at`

func (p *PostgresStore) Assign(ctx context.Context, c *models.Collection) error {
	timeline, err := json.Marshal(c.Timeline)
	if err != nil {
		return err
	}
	payment, err := json.Marshal(c.Payment)
	if err != nil {
		return err
	}
	return p.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := setCollectorStatus(ctx, tx, c.CollectorID, models.CollectorAvailable, models.CollectorBusy, c.CreatedAt); err != nil {
			return err
		}
		if err := setRequestStatus(ctx, tx, c.RequestID, models.RequestPending, models.RequestAccepted, "", c.CreatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO collections (`+collectionColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,NULL,$8,'','',$9,$10)`,
			c.ID, c.RequestID, c.CollectorID, c.CustomerID, c.Status, string(timeline), string(payment),
			pq.StringArray(append([]string{}, c.PhotoURLs...)), c.CreatedAt, c.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("request %s already has a live collection: %w", c.RequestID, ErrRequestUnavailable)
		}
		return err
	})
}

func (p *PostgresStore) GetCollection(ctx context.Context, id string) (*models.Collection, error) {
	var row collectionRow
	err := p.do(ctx, func(ctx context.Context) error {
		return p.db.GetContext(ctx, &row, `SELECT `+collectionColumns+` FROM collections WHERE id = $1`, id)
	})
	if err != nil {
		return nil, notFound(err, "collection", id)
	}
	return row.model()
}

func (p *PostgresStore) ActiveCollectionForRequest(ctx context.Context, requestID string) (*models.Collection, error) {
	var row collectionRow
	err := p.do(ctx, func(ctx context.Context) error {
		return p.db.GetContext(ctx, &row, `SELECT `+collectionColumns+` FROM collections
			WHERE request_id = $1 AND status <> 'cancelled'`, requestID)
	})
	if err != nil {
		return nil, notFound(err, "active collection for request", requestID)
	}
	return row.model()
}

func (p *PostgresStore) UpdateCollection(ctx context.Context, u CollectionUpdate) error {
	c := u.Collection
	timeline, err := json.Marshal(c.Timeline)
	if err != nil {
		return err
	}
	payment, err := json.Marshal(c.Payment)
	if err != nil {
		return err
	}
	return p.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE collections SET status = $1, timeline = $2, payment = $3,
				cancelled_by = $4, cancel_reason = $5, updated_at = $6
			WHERE id = $7 AND status = $8`,
			c.Status, string(timeline), string(payment), c.CancelledBy, c.CancelReason, c.UpdatedAt, c.ID, u.From)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			var cur string
			if err := tx.GetContext(ctx, &cur, `SELECT status FROM collections WHERE id = $1`, c.ID); err != nil {
				return notFound(err, "collection", c.ID)
			}
			return fmt.Errorf("collection %s is %s: %w", c.ID, cur, ErrCollectionChanged)
		}
		if u.RequestTo != "" {
			if err := setRequestStatus(ctx, tx, c.RequestID, u.RequestFrom, u.RequestTo, u.RequestCancelledBy, c.UpdatedAt); err != nil {
				return err
			}
		}
		if u.ReleaseCollector {
			if _, err := tx.ExecContext(ctx, `UPDATE collectors SET status = 'available', updated_at = $1
				WHERE id = $2 AND status = 'busy'`, c.UpdatedAt, c.CollectorID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PostgresStore) RateCollection(ctx context.Context, id string, rating int, at time.Time) error {
	return p.inTx(ctx, func(tx *sqlx.Tx) error {
		var collectorID string
		err := tx.GetContext(ctx, &collectorID, `UPDATE collections SET rating = $1, updated_at = $2
			WHERE id = $3 AND status = 'completed' AND rating IS NULL RETURNING collector_id`, rating, at, id)
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM collections WHERE id = $1)`, id); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("collection %s: %w", id, models.ErrNotFound)
			}
			return fmt.Errorf("collection %s cannot be rated: %w", id, ErrCollectionChanged)
		}
		if err != nil {
			return err
		}
		var cur struct {
			Rating      float64 `db:"rating"`
			RatingCount int     `db:"rating_count"`
		}
		if err := tx.GetContext(ctx, &cur, `SELECT rating, rating_count FROM collectors WHERE id = $1 FOR UPDATE`, collectorID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil // collector removed since; the collection keeps its rating
			}
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE collectors SET rating = $1, rating_count = $2, updated_at = $3 WHERE id = $4`,
			rollingRating(cur.Rating, cur.RatingCount, rating), cur.RatingCount+1, at, collectorID)
		return err
	})
}

func (p *PostgresStore) AddCollectionPhoto(ctx context.Context, id, url string, at time.Time) error {
	return p.do(ctx, func(ctx context.Context) error {
		res, err := p.db.ExecContext(ctx, `UPDATE collections SET photo_urls = array_append(photo_urls, $1), updated_at = $2
			WHERE id = $3`, url, at, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("collection %s: %w", id, models.ErrNotFound)
		}
		return nil
	})
}
