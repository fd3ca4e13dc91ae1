package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Place is a geocoded address as sent by the mobile clients.
type Place struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

func (p Place) Coord() Coord { return Coord{Lat: p.Lat, Lon: p.Lon} }

type RideStatus string

const (
	StatusRequested    RideStatus = "REQUESTED"
	StatusAccepted     RideStatus = "ACCEPTED"
	StatusDriverArrive RideStatus = "DRIVER_ARRIVING"
	StatusInProgress   RideStatus = "IN_PROGRESS"
	StatusCompleted    RideStatus = "COMPLETED"
	StatusCancelled    RideStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

const ReasonNoDrivers = "NoDriversAvailable"

type Ride struct {
	ID          string     `json:"id"`
	PassengerID string     `json:"passenger_id"`
	DriverID    string     `json:"driver_id,omitempty"` // empty until bound
	Origin      Place      `json:"origin"`
	Destination Place      `json:"destination"`
	Category    string     `json:"category"`
	Estimated   Money      `json:"estimated_price"`
	FinalPrice  Money      `json:"final_price,omitempty"`
	Status      RideStatus `json:"status"`
	Reason      string     `json:"cancel_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  time.Time  `json:"accepted_at,omitzero"`
	ArrivingAt  time.Time  `json:"arriving_at,omitzero"`
	StartedAt   time.Time  `json:"started_at,omitzero"`
	CompletedAt time.Time  `json:"completed_at,omitzero"`
	CancelledAt time.Time  `json:"cancelled_at,omitzero"`
}

// DriverPresence is the last known state of an online driver.
// Owned by the geo index; overwritten on every ping.
type DriverPresence struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Heading  float64   `json:"heading"`
	Category string    `json:"category"`
	Online   bool      `json:"online"`
	Updated  time.Time `json:"updated"`
}

// NearbyDriver is a presence row annotated with distance to a query point.
type NearbyDriver struct {
	DriverPresence
	DistanceMeters float64 `json:"distance_meters"`
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "PENDING"
	OfferDeclined OfferStatus = "DECLINED"
	OfferExpired  OfferStatus = "EXPIRED"
	OfferWon      OfferStatus = "WON"
)

// DispatchOffer is transient dispatch bookkeeping: who was offered a
// ride, in rank order, and where each candidate stands.
type DispatchOffer struct {
	RideID     string
	Candidates []string // rank order, nearest first
	States     map[string]OfferStatus
	Deadline   time.Time
	Round      int
}

type TransactionType string

const (
	TxRideCredit TransactionType = "ride_credit"
	TxWithdrawal TransactionType = "withdrawal"
	TxAdjustment TransactionType = "adjustment"
)

type WalletAccount struct {
	DriverID  string `json:"driver_id" db:"driver_id"`
	Available Money  `json:"available_balance" db:"available_balance"`
	Blocked   Money  `json:"blocked_balance" db:"blocked_balance"`
	Currency  string `json:"currency" db:"currency"`
}

// Transaction is an append-only ledger entry. Amount is signed;
// BalanceAfter is available+blocked immediately after the entry.
type Transaction struct {
	ID           string          `json:"id" db:"id"`
	DriverID     string          `json:"driver_id" db:"driver_id"`
	Amount       Money           `json:"amount" db:"amount"`
	BalanceAfter Money           `json:"balance_after" db:"balance_after"`
	Type         TransactionType `json:"type" db:"type"`
	Description  string          `json:"description" db:"description"`
	ReferenceID  string          `json:"reference_id,omitempty" db:"reference_id"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	ReleaseDue   time.Time       `json:"release_due,omitzero" db:"release_due"` // ride credits only
	Released     bool            `json:"released,omitempty" db:"released"`
}

type Estimate struct {
	Origin      Place   `json:"origin"`
	Destination Place   `json:"destination"`
	DistanceKm  float64 `json:"distance_km"`
	DurationMin int     `json:"duration_min"`
	Price       Money   `json:"estimated_price"`
}
