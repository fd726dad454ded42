/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Bake days:   BakeDayDTO, CreateBakeDayRequest, AvailabilityDTO
  Capacities:  CapacityDTO, SetCapacityRequest, BulkCapacityRequest, CopyCapacityRequest
  Orders:      OrderDTO, ItemDTO, PlaceOrderRequest
  Scheduler:   SweepDTO, JobDTO
  Errors:      ErrorResponse, ShortfallDTO

FORMATS:
  - dates are YYYY-MM-DD
  - instants are RFC3339 in UTC; cutoff_local repeats the cutoff in the
    bakery's zone for display

VALIDATION:
  Validation is done in handlers and the domain, not in DTOs.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/bakehouse/bakeday"
	"github.com/warp/bakehouse/capacity"
	"github.com/warp/bakehouse/ordering"
	"github.com/warp/bakehouse/scheduler"
)

// =============================================================================
// BAKE DAYS
// =============================================================================

type BakeDayDTO struct {
	ID           string `json:"id"`
	Date         string `json:"date"`
	DayOfWeek    string `json:"day_of_week"`
	CutoffAt     string `json:"cutoff_at"`
	CutoffLocal  string `json:"cutoff_local"`
	Status       string `json:"status"`
	OrderingOpen bool   `json:"ordering_open"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

type CreateBakeDayRequest struct {
	Date string `json:"date"`
}

type AvailabilityDTO struct {
	BakeDay    BakeDayDTO    `json:"bake_day"`
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	Capacities []CapacityDTO `json:"capacities"`
}

// =============================================================================
// CAPACITIES
// =============================================================================

type CapacityDTO struct {
	VariantID       string          `json:"variant_id"`
	Configured      bool            `json:"configured"`
	Capacity        int             `json:"capacity"`
	Reserved        int             `json:"reserved"`
	Available       int             `json:"available"` // -1 when unmetered
	PercentReserved decimal.Decimal `json:"percent_reserved"`
	Level           string          `json:"level"`
}

type SetCapacityRequest struct {
	Capacity int `json:"capacity"`
}

type BulkCapacityRequest struct {
	Capacities map[string]int `json:"capacities"`
}

type BulkCapacityResponse struct {
	Updated int               `json:"updated"`
	Failed  map[string]string `json:"failed,omitempty"`
}

type CopyCapacityRequest struct {
	FromBakeDayID string `json:"from_bake_day_id"`
}

// =============================================================================
// ORDERS
// =============================================================================

type ItemDTO struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type PlaceOrderRequest struct {
	Items []ItemDTO `json:"items"`
}

type OrderDTO struct {
	ID        string    `json:"id"`
	BakeDayID string    `json:"bake_day_id"`
	Status    string    `json:"status"`
	Items     []ItemDTO `json:"items"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at"`
}

// =============================================================================
// SCHEDULER
// =============================================================================

type SweepDTO struct {
	Locked  []string          `json:"locked"`
	Skipped []string          `json:"skipped"`
	Failed  map[string]string `json:"failed,omitempty"`
}

type JobDTO struct {
	BakeDayID string `json:"bake_day_id"`
	RunAt     string `json:"run_at"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error      string         `json:"error"`
	Details    string         `json:"details,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Shortfalls []ShortfallDTO `json:"shortfalls,omitempty"`
}

type ShortfallDTO struct {
	VariantID string `json:"variant_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func toBakeDayDTO(bd bakeday.BakeDay, loc *time.Location, now time.Time) BakeDayDTO {
	local := bd.CutoffAt
	if loc != nil {
		local = bd.CutoffAt.In(loc)
	}
	return BakeDayDTO{
		ID:           string(bd.ID),
		Date:         bd.BakedOn.String(),
		DayOfWeek:    bd.DayOfWeek.String(),
		CutoffAt:     formatTime(bd.CutoffAt),
		CutoffLocal:  local.Format("Mon 2006-01-02 15:04 MST"),
		Status:       string(bd.Status),
		OrderingOpen: bakeday.OrderingAllowed(bd, now),
		CreatedAt:    formatTime(bd.CreatedAt),
		UpdatedAt:    formatTime(bd.UpdatedAt),
	}
}

func toCapacityDTO(s capacity.Status) CapacityDTO {
	return CapacityDTO{
		VariantID:       string(s.Key.VariantID),
		Configured:      s.Configured,
		Capacity:        s.Capacity,
		Reserved:        s.Reserved,
		Available:       s.Available,
		PercentReserved: s.PercentReserved,
		Level:           string(s.Level),
	}
}

func toItems(dtos []ItemDTO) []capacity.Item {
	items := make([]capacity.Item, len(dtos))
	for i, d := range dtos {
		items[i] = capacity.Item{VariantID: capacity.VariantID(d.VariantID), Quantity: d.Quantity}
	}
	return items
}

func toOrderDTO(o ordering.Order) OrderDTO {
	items := make([]ItemDTO, len(o.Items))
	for i, it := range o.Items {
		items[i] = ItemDTO{VariantID: string(it.VariantID), Quantity: it.Quantity}
	}
	return OrderDTO{
		ID:        string(o.ID),
		BakeDayID: string(o.BakeDayID),
		Status:    string(o.Status),
		Items:     items,
		CreatedAt: formatTime(o.CreatedAt),
		UpdatedAt: formatTime(o.UpdatedAt),
	}
}

func toSweepDTO(res scheduler.SweepResult) SweepDTO {
	dto := SweepDTO{Locked: []string{}, Skipped: []string{}}
	for _, id := range res.Locked {
		dto.Locked = append(dto.Locked, string(id))
	}
	for _, id := range res.Skipped {
		dto.Skipped = append(dto.Skipped, string(id))
	}
	if len(res.Failed) > 0 {
		dto.Failed = make(map[string]string, len(res.Failed))
		for id, err := range res.Failed {
			dto.Failed[string(id)] = err.Error()
		}
	}
	return dto
}

func toJobDTO(j scheduler.Job) JobDTO {
	return JobDTO{
		BakeDayID: string(j.BakeDayID),
		RunAt:     formatTime(j.RunAt),
		Status:    string(j.Status),
		Attempts:  j.Attempts,
		LastError: j.LastError,
	}
}
