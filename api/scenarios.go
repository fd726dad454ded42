/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	bakery data. Each scenario schedules bake days, sets production
	capacities, and places orders that demonstrate specific behaviour.

AVAILABLE SCENARIOS:

	week:           Next Tuesday and Friday bakes with a full product range
	sold-out:       Croissants nearly gone, sourdough sold out
	missed-cutoff:  A bake day whose cutoff passed while it was still open

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Schedule bake days relative to the clock (cutoffs come from the policy)
 3. Set capacities, copying between bake days where they match
 4. Optionally place orders through the ordering service

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "sold-out"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to the loaders map

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/bakehouse/bakeday"
	"github.com/warp/bakehouse/capacity"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "week",
		Name:        "Regular Week",
		Description: "Next Tuesday and Friday bakes, capacities set, no orders yet",
	},
	{
		ID:          "sold-out",
		Name:        "Sold Out",
		Description: "Croissants down to the last few, sourdough sold out, rye unmetered",
	},
	{
		ID:          "missed-cutoff",
		Name:        "Missed Cutoff",
		Description: "Yesterday's bake still open past its cutoff; run the sweep to lock it",
	},
}

// standardRange is the weekly production plan.
var standardRange = map[capacity.VariantID]int{
	"croissant":        120,
	"pain-au-chocolat": 80,
	"sourdough":        40,
	"baguette":         150,
}

func (h *Handler) loaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"week":          h.loadWeekScenario,
		"sold-out":      h.loadSoldOutScenario,
		"missed-cutoff": h.loadMissedCutoffScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	load, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()

	// Reset first
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	if _, err := h.Scheduler.Restore(ctx); err != nil {
		h.Logger.Warn("scheduler restore after scenario load failed", zap.Error(err))
	}

	h.currentScenario = req.ScenarioID
	h.Logger.Info("scenario loaded", zap.String("scenario", req.ScenarioID))

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadWeekScenario(ctx context.Context) error {
	tuesday, err := h.scheduleNextOpen(ctx, time.Tuesday)
	if err != nil {
		return err
	}
	friday, err := h.scheduleNextOpen(ctx, time.Friday)
	if err != nil {
		return err
	}
	if _, failed := h.Ledger.BulkSetCapacity(ctx, tuesday.ID, standardRange); len(failed) > 0 {
		return fmt.Errorf("set capacities: %v", failed)
	}
	_, err = h.Ledger.CopyCapacities(ctx, tuesday.ID, friday.ID)
	return err
}

func (h *Handler) loadSoldOutScenario(ctx context.Context) error {
	bd, err := h.scheduleNextOpen(ctx, time.Friday)
	if err != nil {
		return err
	}
	caps := map[capacity.VariantID]int{
		"croissant": 24,
		"sourdough": 6,
		"baguette":  60,
	}
	if _, failed := h.Ledger.BulkSetCapacity(ctx, bd.ID, caps); len(failed) > 0 {
		return fmt.Errorf("set capacities: %v", failed)
	}

	baskets := [][]capacity.Item{
		{{VariantID: "croissant", Quantity: 12}, {VariantID: "sourdough", Quantity: 2}},
		{{VariantID: "croissant", Quantity: 10}, {VariantID: "rye", Quantity: 3}},
		{{VariantID: "sourdough", Quantity: 4}, {VariantID: "baguette", Quantity: 6}},
	}
	for _, items := range baskets {
		if _, err := h.Orders.Place(ctx, bd.ID, items); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadMissedCutoffScenario(ctx context.Context) error {
	today := bakeday.DateOf(h.Clock.Now().In(h.Location))
	missed, err := h.Lifecycle.Schedule(ctx, today.AddDays(-1))
	if err != nil {
		return err
	}
	if _, failed := h.Ledger.BulkSetCapacity(ctx, missed.ID, standardRange); len(failed) > 0 {
		return fmt.Errorf("set capacities: %v", failed)
	}

	next, err := h.scheduleNextOpen(ctx, time.Tuesday)
	if err != nil {
		return err
	}
	_, err = h.Ledger.CopyCapacities(ctx, missed.ID, next.ID)
	return err
}

// scheduleNextOpen schedules the first wd bake whose cutoff hasn't passed.
func (h *Handler) scheduleNextOpen(ctx context.Context, wd time.Weekday) (bakeday.BakeDay, error) {
	now := h.Clock.Now()
	date := bakeday.DateOf(now.In(h.Location)).AddDays(1)
	for date.Weekday() != wd {
		date = date.AddDays(1)
	}
	for i := 0; i < 4; i++ {
		cutoff, err := h.Lifecycle.Policy.CutoffFor(date)
		if err != nil {
			return bakeday.BakeDay{}, err
		}
		if !now.After(cutoff) {
			return h.Lifecycle.Schedule(ctx, date)
		}
		date = date.AddDays(7)
	}
	return bakeday.BakeDay{}, fmt.Errorf("no open %s within four weeks", wd)
}
