package models

import "time"

// Reading is one normalized telemetry sample for a device.
type Reading struct {
	Timestamp        time.Time         `json:"timestamp"`
	DeviceID         string            `json:"deviceId"`
	CumulativeEnergy float64           `json:"cumulativeEnergy"`
	Demand           float64           `json:"demand"`
	EquipmentTag     string            `json:"equipment,omitempty"`
	Columns          map[string]string `json:"columns,omitempty"`
}

type Statistics struct {
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"stdDev"`
}

// SyntheticReading carries a generated sample together with the statistics
// of the population it was drawn from.
type SyntheticReading struct {
	DeviceID       string     `json:"deviceId"`
	Equipment      string     `json:"equipment,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
	Demand         float64    `json:"demand"`
	IntervalEnergy float64    `json:"intervalEnergy"`
	Hour           int        `json:"hour"`
	Population     string     `json:"population"`
	SampleSize     int        `json:"sampleSize"`
	ForcedBreach   bool       `json:"forcedBreach"`
	Stats          Statistics `json:"stats"`
}

// EnergyPayload is the compact telemetry message pushed to external sinks.
type EnergyPayload struct {
	Equipment   string    `json:"equipment"`
	Consumption float64   `json:"consumption"`
	Timestamp   time.Time `json:"timestamp"`
}

type TicketStatus string

const (
	TicketOpen   TicketStatus = "open"
	TicketClosed TicketStatus = "closed"
)

func (s TicketStatus) Valid() bool {
	return s == TicketOpen || s == TicketClosed
}

type TicketPriority string

const (
	PriorityLow      TicketPriority = "low"
	PriorityMedium   TicketPriority = "medium"
	PriorityHigh     TicketPriority = "high"
	PriorityCritical TicketPriority = "critical"
)

func (p TicketPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type TicketOrigin string

const (
	OriginManual    TicketOrigin = "manual"
	OriginAutomated TicketOrigin = "automated"
)

func (o TicketOrigin) Valid() bool {
	return o == OriginManual || o == OriginAutomated
}

type Ticket struct {
	ID            string         `json:"ticketId"`
	Subject       string         `json:"subject"`
	Description   string         `json:"description"`
	Status        TicketStatus   `json:"status"`
	Priority      TicketPriority `json:"priority"`
	Origin        TicketOrigin   `json:"origin"`
	Source        string         `json:"source,omitempty"`
	AlertType     string         `json:"alertType,omitempty"`
	Equipment     string         `json:"equipment,omitempty"`
	MeasuredValue *float64       `json:"consumption,omitempty"`
	ExpectedValue *float64       `json:"expected,omitempty"`
	IsNightWindow *bool          `json:"isNight,omitempty"`
	AnalysisNote  string         `json:"aiAnalysis,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"timestamp"`
}

// TicketPatch is a ticket-bearing event. A nil field is absent from the
// event and leaves the stored value untouched.
type TicketPatch struct {
	ID            string
	Subject       *string
	Description   *string
	Status        *TicketStatus
	Priority      *TicketPriority
	Origin        *TicketOrigin
	Source        *string
	AlertType     *string
	Equipment     *string
	MeasuredValue *float64
	ExpectedValue *float64
	IsNightWindow *bool
	AnalysisNote  *string
}

// Dispatch records one outbound call to an external collaborator.
type Dispatch struct {
	TS         time.Time `json:"ts"`
	Type       string    `json:"type"`
	Target     string    `json:"target"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"durationMs"`
}

// TicketEvent is one applied merge, kept for audit.
type TicketEvent struct {
	TS       time.Time `json:"ts"`
	TicketID string    `json:"ticketId"`
	Path     string    `json:"path"`
	Action   string    `json:"action"`
	Status   string    `json:"status"`
	Priority string    `json:"priority"`
}

// Breach is one period during which a device's generated demand stayed
// above the alert threshold.
type Breach struct {
	ID        int64      `json:"id"`
	DeviceID  string     `json:"deviceId"`
	Equipment string     `json:"equipment"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Summary   string     `json:"summary"`
}
