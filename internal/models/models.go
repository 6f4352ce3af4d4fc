package models

import "time"

type VehicleClass string

const (
	VehicleBike   VehicleClass = "bike"
	VehicleScooty VehicleClass = "scooty"
	VehicleAuto   VehicleClass = "auto"
	VehicleCab    VehicleClass = "cab"
)

var VehicleClasses = []VehicleClass{VehicleBike, VehicleScooty, VehicleAuto, VehicleCab}

func (v VehicleClass) Valid() bool {
	for _, c := range VehicleClasses {
		if c == v {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	PaymentCOD PaymentMethod = "cod"
	PaymentUPI PaymentMethod = "upi"
)

func (p PaymentMethod) Valid() bool { return p == PaymentCOD || p == PaymentUPI }

type Role string

const (
	RoleRequester Role = "requester"
	RoleDriver    Role = "driver"
)

func (r Role) Valid() bool { return r == RoleRequester || r == RoleDriver }

// Status is the ride lifecycle state. The allowed edges live in package ride.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []Status{StatusPending, StatusAccepted, StatusOngoing}

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusOngoing, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type CancelReason string

const (
	CancelByRequester CancelReason = "requester"
	CancelByDriver    CancelReason = "driver"
	CancelExpired     CancelReason = "expired"
)

// Identity is a caller already verified by the auth collaborator.
type Identity struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type Contact struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type DriverProfile struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	VehicleReg string `json:"vehicle_reg"`
}

type Driver struct {
	ID      string        `json:"id"`
	Class   VehicleClass  `json:"vehicle_class"`
	Profile DriverProfile `json:"profile"`
	Online  bool          `json:"online"`
	// ClaimedBy is the id of the ride holding the claim, empty when unclaimed.
	ClaimedBy string    `json:"claimed_by,omitempty"`
	Updated   time.Time `json:"updated"`
}

func (d Driver) Claimed() bool { return d.ClaimedBy != "" }

type Route struct {
	Origin      string  `json:"origin"`
	Destination string  `json:"destination"`
	Distance    float64 `json:"distance"`
}

type RideRequest struct {
	RequesterID string
	Requester   Contact
	Route       Route
	Class       VehicleClass
	Payment     PaymentMethod
}

type Ride struct {
	ID           string
	RequesterID  string
	Requester    Contact
	DriverID     string
	Route        Route
	Class        VehicleClass
	Payment      PaymentMethod
	Fare         float64
	Status       Status
	Code         string
	CodeAttempts int
	CancelReason CancelReason
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type DriverSummary struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Phone      string       `json:"phone"`
	VehicleReg string       `json:"vehicle_reg"`
	Class      VehicleClass `json:"vehicle_class"`
}

func SummarizeDriver(d Driver) DriverSummary {
	return DriverSummary{ID: d.ID, Name: d.Profile.Name, Phone: d.Profile.Phone, VehicleReg: d.Profile.VehicleReg, Class: d.Class}
}

// RideSummary is returned to the requester when a ride is created.
type RideSummary struct {
	RideID    string        `json:"ride_id"`
	Status    Status        `json:"status"`
	Fare      float64       `json:"fare"`
	Code      string        `json:"code"`
	Driver    DriverSummary `json:"driver"`
	CreatedAt time.Time     `json:"created_at"`
}

// RideView is what either party sees while polling. Code is only populated
// for the requester; Driver for the requester and Customer for the driver.
type RideView struct {
	RideID       string         `json:"ride_id"`
	Status       Status         `json:"status"`
	Route        Route          `json:"route"`
	Class        VehicleClass   `json:"vehicle_class"`
	Payment      PaymentMethod  `json:"payment_method"`
	Fare         float64        `json:"fare"`
	Code         string         `json:"code,omitempty"`
	Driver       *DriverSummary `json:"driver,omitempty"`
	Customer     *Contact       `json:"customer,omitempty"`
	CancelReason CancelReason   `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type HistoryEntry struct {
	RideID      string    `json:"ride_id"`
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	Fare        float64   `json:"fare"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// RideEvent is published on every committed ride change.
type RideEvent struct {
	Type        string       `json:"type"`
	RideID      string       `json:"ride_id"`
	RequesterID string       `json:"requester_id"`
	DriverID    string       `json:"driver_id"`
	From        Status       `json:"from,omitempty"`
	To          Status       `json:"to"`
	Reason      CancelReason `json:"reason,omitempty"`
	At          time.Time    `json:"at"`
}

const (
	EventRideCreated      = "ride.created"
	EventRideTransitioned = "ride.transitioned"
)

// ViewFor renders r for one party. The code is only ever shown to the
// requester; driver may be nil when the profile could not be loaded.
func (r Ride) ViewFor(role Role, driver *DriverSummary) RideView {
	v := RideView{
		RideID:       r.ID,
		Status:       r.Status,
		Route:        r.Route,
		Class:        r.Class,
		Payment:      r.Payment,
		Fare:         r.Fare,
		CancelReason: r.CancelReason,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	switch role {
	case RoleRequester:
		v.Code = r.Code
		v.Driver = driver
	case RoleDriver:
		c := r.Requester
		v.Customer = &c
	}
	return v
}

func (r Ride) History() HistoryEntry {
	return HistoryEntry{RideID: r.ID, Origin: r.Route.Origin, Destination: r.Route.Destination, Fare: r.Fare, Status: r.Status, CreatedAt: r.CreatedAt}
}
