package models

import (
	"slices"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is a pickup address. Coord is nil until the address is resolved.
type Location struct {
	Address string `json:"address"`
	Coord   *Coord `json:"coord,omitempty"`
}

type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type WasteType string

const (
	WastePlastic    WasteType = "plastic"
	WasteOrganic    WasteType = "organic"
	WasteHazardous  WasteType = "hazardous"
	WasteElectronic WasteType = "electronic"
	WasteMixed      WasteType = "mixed"
)

var WasteTypes = []WasteType{WastePlastic, WasteOrganic, WasteHazardous, WasteElectronic, WasteMixed}

func (w WasteType) Valid() bool { return slices.Contains(WasteTypes, w) }

type Urgency string

const (
	UrgencyNormal    Urgency = "normal"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyEmergency Urgency = "emergency"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyNormal, UrgencyUrgent, UrgencyEmergency:
		return true
	}
	return false
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestCompleted RequestStatus = "completed"
	RequestCancelled RequestStatus = "cancelled"
)

type PriceEstimate struct {
	BasePrice       float64 `json:"base_price"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
	UrgencyFactor   float64 `json:"urgency_factor"`
	PeakFactor      float64 `json:"peak_factor"`
	Multiplier      float64 `json:"multiplier"`
	FinalPrice      int64   `json:"final_price"`
	Currency        string  `json:"currency"`
}

// WasteRequest is a customer's pickup ask. Only Status changes after creation.
type WasteRequest struct {
	ID           string        `json:"id"`
	CustomerID   string        `json:"customer_id"`
	ContactPhone string        `json:"contact_phone,omitempty"`
	WasteType    WasteType     `json:"waste_type"`
	QuantityKg   float64       `json:"quantity_kg"`
	Urgency      Urgency       `json:"urgency"`
	Pickup       Location      `json:"pickup"`
	Window       *TimeWindow   `json:"window,omitempty"`
	Notes        string        `json:"notes,omitempty"`
	Price        PriceEstimate `json:"price"`
	Status       RequestStatus `json:"status"`
	CancelledBy  string        `json:"cancelled_by,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func (r *WasteRequest) Terminal() bool {
	return r.Status == RequestCompleted || r.Status == RequestCancelled
}

type CollectorStatus string

const (
	CollectorOffline   CollectorStatus = "offline"
	CollectorAvailable CollectorStatus = "available"
	CollectorBusy      CollectorStatus = "busy"
)

type Collector struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Phone           string          `json:"phone,omitempty"`
	DeviceToken     string          `json:"device_token,omitempty"`
	CapacityKg      float64         `json:"capacity_kg"`
	Loc             Coord           `json:"loc"`
	LocUpdatedAt    time.Time       `json:"loc_updated_at"`
	Specializations []WasteType     `json:"specializations"`
	Status          CollectorStatus `json:"status"`
	Rating          float64         `json:"rating"` // 0..5
	RatingCount     int             `json:"rating_count"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (c *Collector) Handles(w WasteType) bool { return slices.Contains(c.Specializations, w) }

type CollectionStatus string

const (
	CollectionAssigned   CollectionStatus = "assigned"
	CollectionEnRoute    CollectionStatus = "en_route"
	CollectionArrived    CollectionStatus = "arrived"
	CollectionCollecting CollectionStatus = "collecting"
	CollectionCompleted  CollectionStatus = "completed"
	CollectionCancelled  CollectionStatus = "cancelled"
)

func (s CollectionStatus) Terminal() bool {
	return s == CollectionCompleted || s == CollectionCancelled
}

func (s CollectionStatus) Valid() bool {
	switch s {
	case CollectionAssigned, CollectionEnRoute, CollectionArrived, CollectionCollecting, CollectionCompleted, CollectionCancelled:
		return true
	}
	return false
}

// Timeline holds one stamp per state; a stamp is never overwritten.
type Timeline struct {
	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
	EnRouteAt    *time.Time `json:"en_route_at,omitempty"`
	ArrivedAt    *time.Time `json:"arrived_at,omitempty"`
	CollectingAt *time.Time `json:"collecting_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
}

// Stamp sets the field for s if it is still empty and reports whether it did.
func (t *Timeline) Stamp(s CollectionStatus, at time.Time) bool {
	var f **time.Time
	switch s {
	case CollectionAssigned:
		f = &t.AssignedAt
	case CollectionEnRoute:
		f = &t.EnRouteAt
	case CollectionArrived:
		f = &t.ArrivedAt
	case CollectionCollecting:
		f = &t.CollectingAt
	case CollectionCompleted:
		f = &t.CompletedAt
	case CollectionCancelled:
		f = &t.CancelledAt
	default:
		return false
	}
	if *f != nil {
		return false
	}
	v := at
	*f = &v
	return true
}

type PaymentBreakdown struct {
	Gross           int64   `json:"gross"`
	CommissionRate  float64 `json:"commission_rate"`
	Commission      int64   `json:"commission"`
	PlatformFee     int64   `json:"platform_fee"`
	CollectorNet    int64   `json:"collector_net"`
	Currency        string  `json:"currency"`
	Finalized       bool    `json:"finalized"`
	PaymentIntentID string  `json:"payment_intent_id,omitempty"`
}

// Collection binds one request to one collector.
type Collection struct {
	ID           string           `json:"id"`
	RequestID    string           `json:"request_id"`
	CollectorID  string           `json:"collector_id"`
	CustomerID   string           `json:"customer_id"`
	Status       CollectionStatus `json:"status"`
	Timeline     Timeline         `json:"timeline"`
	Payment      PaymentBreakdown `json:"payment"`
	Rating       *int             `json:"rating,omitempty"`
	PhotoURLs    []string         `json:"photo_urls,omitempty"`
	CancelledBy  string           `json:"cancelled_by,omitempty"`
	CancelReason string           `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// SurgeState is one published multiplier record for a grid cell.
type SurgeState struct {
	Cell       string    `json:"cell"`
	Multiplier float64   `json:"multiplier"`
	Reason     string    `json:"reason"`
	Demand     int       `json:"demand"`
	Supply     int       `json:"supply"`
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
}

func (s SurgeState) ActiveAt(t time.Time) bool {
	return !t.Before(s.ValidFrom) && t.Before(s.ValidUntil)
}

type Role string

const (
	RoleCustomer  Role = "customer"
	RoleCollector Role = "collector"
	RoleAdmin     Role = "admin"
)

// Actor is the authenticated caller as supplied by the identity provider.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}
