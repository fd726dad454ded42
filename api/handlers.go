/*
handlers.go - HTTP API handlers for the bakehouse

PURPOSE:
  Exposes bake days, production capacities and orders via REST API. Handles
  HTTP request/response and JSON serialization, and delegates to the domain
  services.

ENDPOINTS:
  Bake days:
    GET    /api/bake-days                         List bake days
    POST   /api/bake-days                         Schedule a bake day {"date"}
    GET    /api/bake-days/next-available          Earliest day still taking orders
    GET    /api/bake-days/{id}                    Get bake day
    DELETE /api/bake-days/{id}                    Delete (refused with orders)
    POST   /api/bake-days/{id}/lock               Close ordering now
    POST   /api/bake-days/{id}/unlock             Reopen (admin override)
    POST   /api/bake-days/{id}/complete           Mark fulfilled
    GET    /api/bake-days/{id}/availability       Ordering gate + capacity levels

  Capacities:
    GET    /api/bake-days/{id}/capacities            List configured variants
    PUT    /api/bake-days/{id}/capacities            Bulk set {"capacities": {...}}
    POST   /api/bake-days/{id}/capacities/copy       Copy from another bake day
    GET    /api/bake-days/{id}/capacities/{variant}  One variant (unmetered if unset)
    PUT    /api/bake-days/{id}/capacities/{variant}  Set ceiling {"capacity"}
    DELETE /api/bake-days/{id}/capacities/{variant}  Remove (refused if reserved)

  Orders:
    POST   /api/bake-days/{id}/orders/validate    Advisory capacity check
    POST   /api/bake-days/{id}/orders             Place order {"items": [...]}
    GET    /api/bake-days/{id}/orders             List orders
    GET    /api/orders/{id}                       Get order
    POST   /api/orders/{id}/cancel                Cancel order, release capacity

  Admin:
    POST   /api/admin/sweep                       Lock every overdue bake day now
    GET    /api/admin/jobs                        Pending auto-lock jobs

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input
  - 404: Bake day, order or entry not found
  - 409: Ordering closed, insufficient capacity, state conflicts
  - 503: Transient contention or store outage (Retry-After set)
  - 500: Internal errors, invariant violations

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo data
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/bakehouse/bakeday"
	"github.com/warp/bakehouse/capacity"
	"github.com/warp/bakehouse/metrics"
	"github.com/warp/bakehouse/ordering"
	"github.com/warp/bakehouse/scheduler"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the server persists.
type Store interface {
	capacity.TxStore
	bakeday.Store
	ordering.Store
	scheduler.JobStore
	Reset(ctx context.Context) error
}

// Options tune the services NewHandler builds.
type Options struct {
	Policy  bakeday.CutoffPolicy
	Manager capacity.ManagerConfig
	Clock   bakeday.Clock // nil: wall clock in the policy's zone
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     Store
	Lifecycle *bakeday.Lifecycle
	Ledger    *capacity.Ledger
	Capacity  *capacity.Manager
	Orders    *ordering.Service
	Scheduler *scheduler.LockScheduler
	Clock     bakeday.Clock
	Location  *time.Location
	Logger    *zap.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the domain services over store. The scheduler is created
// but not started.
func NewHandler(store Store, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Policy.Location == nil {
		opts.Policy = bakeday.DefaultCutoffPolicy()
	}
	if opts.Manager == (capacity.ManagerConfig{}) {
		opts.Manager = capacity.DefaultManagerConfig()
	}
	clock := opts.Clock
	if clock == nil {
		clock = bakeday.SystemClock{Location: opts.Policy.Location}
	}

	sched := scheduler.New(store, store, logger.Named("scheduler"))
	sched.Clock = clock
	sched.Metrics = opts.Metrics

	lifecycle := bakeday.NewLifecycle(store, logger.Named("bakeday"))
	lifecycle.Policy = opts.Policy
	lifecycle.Clock = clock
	lifecycle.Scheduler = sched

	ledger := capacity.NewLedger(store)
	ledger.LockTimeout = opts.Manager.LockTimeout
	ledger.Now = clock.Now
	ledger.Logger = logger.Named("ledger")

	mgr := capacity.NewManager(store, opts.Manager, opts.Metrics, logger.Named("capacity"))
	mgr.Now = clock.Now

	orders := ordering.NewService(store, store, mgr, logger.Named("ordering"))
	orders.Clock = clock

	return &Handler{
		Store:     store,
		Lifecycle: lifecycle,
		Ledger:    ledger,
		Capacity:  mgr,
		Orders:    orders,
		Scheduler: sched,
		Clock:     clock,
		Location:  opts.Policy.Location,
		Logger:    logger,
	}
}

func (h *Handler) bakeDayDTO(bd bakeday.BakeDay) BakeDayDTO {
	return toBakeDayDTO(bd, h.Location, h.Clock.Now())
}

// =============================================================================
// BAKE DAY HANDLERS
// =============================================================================

// ListBakeDays returns all bake days ordered by date.
func (h *Handler) ListBakeDays(w http.ResponseWriter, r *http.Request) {
	days, err := h.Lifecycle.List(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list bake days", err)
		return
	}
	dtos := make([]BakeDayDTO, len(days))
	for i, bd := range days {
		dtos[i] = h.bakeDayDTO(bd)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateBakeDay schedules a bake day; its cutoff is derived from the date.
func (h *Handler) CreateBakeDay(w http.ResponseWriter, r *http.Request) {
	var req CreateBakeDayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	date, err := bakeday.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}

	bd, err := h.Lifecycle.Schedule(r.Context(), date)
	if err != nil {
		h.writeDomainError(w, "Failed to schedule bake day", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.bakeDayDTO(bd))
}

func (h *Handler) GetBakeDay(w http.ResponseWriter, r *http.Request) {
	bd, err := h.Lifecycle.Get(r.Context(), bakeDayID(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get bake day", err)
		return
	}
	writeJSON(w, http.StatusOK, h.bakeDayDTO(bd))
}

func (h *Handler) DeleteBakeDay(w http.ResponseWriter, r *http.Request) {
	if err := h.Lifecycle.Delete(r.Context(), bakeDayID(r)); err != nil {
		h.writeDomainError(w, "Failed to delete bake day", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) LockBakeDay(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Lifecycle.Lock)
}

func (h *Handler) UnlockBakeDay(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Lifecycle.Unlock)
}

func (h *Handler) CompleteBakeDay(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Lifecycle.Complete)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, bakeday.ID) (bakeday.BakeDay, error)) {
	bd, err := fn(r.Context(), bakeDayID(r))
	if err != nil {
		h.writeDomainError(w, "Failed to change bake day status", err)
		return
	}
	writeJSON(w, http.StatusOK, h.bakeDayDTO(bd))
}

// GetAvailability reports whether the bake day takes orders and how full
// each configured variant is.
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	av, err := h.Orders.Availability(r.Context(), bakeDayID(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get availability", err)
		return
	}
	dto := AvailabilityDTO{
		BakeDay:    h.bakeDayDTO(av.BakeDay),
		Allowed:    av.Allowed,
		Reason:     string(av.Reason),
		Capacities: make([]CapacityDTO, len(av.Capacities)),
	}
	for i, s := range av.Capacities {
		dto.Capacities[i] = toCapacityDTO(s)
	}
	writeJSON(w, http.StatusOK, dto)
}

// NextAvailable returns the earliest bake day still taking orders, or 404.
func (h *Handler) NextAvailable(w http.ResponseWriter, r *http.Request) {
	bd, ok, err := h.Orders.NextAvailable(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to find next bake day", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "No bake day is taking orders", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.bakeDayDTO(bd))
}

// =============================================================================
// CAPACITY HANDLERS
// =============================================================================

func (h *Handler) ListCapacities(w http.ResponseWriter, r *http.Request) {
	id := bakeDayID(r)
	if _, err := h.Lifecycle.Get(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to list capacities", err)
		return
	}
	entries, err := h.Ledger.Entries(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to list capacities", err)
		return
	}
	dtos := make([]CapacityDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toCapacityDTO(capacity.StatusOf(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetCapacity(w http.ResponseWriter, r *http.Request) {
	status, err := h.Capacity.Status(r.Context(), capacityKey(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get capacity", err)
		return
	}
	writeJSON(w, http.StatusOK, toCapacityDTO(status))
}

// SetCapacity creates the entry or changes its ceiling. Reserved units are
// kept; a ceiling below them is refused.
func (h *Handler) SetCapacity(w http.ResponseWriter, r *http.Request) {
	var req SetCapacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	key := capacityKey(r)
	if _, err := h.Lifecycle.Get(r.Context(), key.BakeDayID); err != nil {
		h.writeDomainError(w, "Failed to set capacity", err)
		return
	}
	e, err := h.Ledger.SetCapacity(r.Context(), key, req.Capacity)
	if err != nil {
		h.writeDomainError(w, "Failed to set capacity", err)
		return
	}
	writeJSON(w, http.StatusOK, toCapacityDTO(capacity.StatusOf(e)))
}

func (h *Handler) DeleteCapacity(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.DeleteEntry(r.Context(), capacityKey(r)); err != nil {
		h.writeDomainError(w, "Failed to delete capacity", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BulkSetCapacities applies each variant independently and reports failures.
func (h *Handler) BulkSetCapacities(w http.ResponseWriter, r *http.Request) {
	var req BulkCapacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	id := bakeDayID(r)
	if _, err := h.Lifecycle.Get(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to set capacities", err)
		return
	}
	caps := make(map[capacity.VariantID]int, len(req.Capacities))
	for v, n := range req.Capacities {
		caps[capacity.VariantID(v)] = n
	}

	updated, failed := h.Ledger.BulkSetCapacity(r.Context(), id, caps)
	resp := BulkCapacityResponse{Updated: updated}
	if len(failed) > 0 {
		resp.Failed = make(map[string]string, len(failed))
		for v, err := range failed {
			resp.Failed[string(v)] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CopyCapacities gives the bake day the same ceilings as another one.
func (h *Handler) CopyCapacities(w http.ResponseWriter, r *http.Request) {
	var req CopyCapacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	to := bakeDayID(r)
	from := bakeday.ID(req.FromBakeDayID)
	for _, id := range []bakeday.ID{from, to} {
		if _, err := h.Lifecycle.Get(r.Context(), id); err != nil {
			h.writeDomainError(w, "Failed to copy capacities", err)
			return
		}
	}
	n, err := h.Ledger.CopyCapacities(r.Context(), from, to)
	if err != nil {
		h.writeDomainError(w, "Failed to copy capacities", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"copied": n})
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// ValidateOrder is the advisory pre-check shown to customers before they
// confirm. It reserves nothing.
func (h *Handler) ValidateOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	id := bakeDayID(r)
	bd, err := h.Lifecycle.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to validate order", err)
		return
	}
	if err := bakeday.CheckOrdering(bd, h.Clock.Now()); err != nil {
		h.writeDomainError(w, "Ordering closed", err)
		return
	}
	if err := h.Capacity.Validate(r.Context(), id, toItems(req.Items)); err != nil {
		h.writeDomainError(w, "Order cannot be fulfilled", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	o, err := h.Orders.Place(r.Context(), bakeDayID(r), toItems(req.Items))
	if err != nil {
		h.writeDomainError(w, "Failed to place order", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderDTO(o))
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	id := bakeDayID(r)
	if _, err := h.Lifecycle.Get(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to list orders", err)
		return
	}
	orders, err := h.Orders.List(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to list orders", err)
		return
	}
	dtos := make([]OrderDTO, len(orders))
	for i, o := range orders {
		dtos[i] = toOrderDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Get(r.Context(), ordering.OrderID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// CancelOrder cancels an order and releases its capacity. Idempotent.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Cancel(r.Context(), ordering.OrderID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunSweep fires due timers and locks every overdue bake day now.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.Scheduler.RunNow(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to sweep", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepDTO(res))
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Store.PendingJobs(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list jobs", err)
		return
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].RunAt.Before(jobs[j].RunAt) })
	dtos := make([]JobDTO, len(jobs))
	for i, j := range jobs {
		dtos[i] = toJobDTO(j)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func bakeDayID(r *http.Request) bakeday.ID {
	return bakeday.ID(chi.URLParam(r, "id"))
}

func capacityKey(r *http.Request) capacity.Key {
	return capacity.Key{BakeDayID: bakeDayID(r), VariantID: capacity.VariantID(chi.URLParam(r, "variant"))}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	resp := ErrorResponse{Error: message, Details: err.Error()}

	var closed *bakeday.OrderingClosedError
	if errors.As(err, &closed) {
		resp.Reason = string(closed.Reason)
	}
	var shortfall *capacity.ShortfallError
	if errors.As(err, &shortfall) {
		for _, s := range shortfall.Shortfalls {
			resp.Shortfalls = append(resp.Shortfalls, ShortfallDTO{
				VariantID: string(s.VariantID), Requested: s.Requested, Available: s.Available,
			})
		}
	}
	var short *capacity.InsufficientCapacityError
	if errors.As(err, &short) {
		resp.Shortfalls = append(resp.Shortfalls, ShortfallDTO{
			VariantID: string(short.Key.VariantID), Requested: short.Requested, Available: short.Available,
		})
	}

	status := http.StatusInternalServerError
	switch {
	case capacity.IsInvariantViolation(err):
		h.Logger.Error("invariant violation", zap.Error(err))
	case capacity.IsNotFound(err), errors.Is(err, ordering.ErrOrderNotFound):
		status = http.StatusNotFound
	case capacity.IsBusinessOutcome(err),
		errors.Is(err, bakeday.ErrInvalidTransition),
		errors.Is(err, bakeday.ErrStatusConflict),
		errors.Is(err, bakeday.ErrHasOrders),
		errors.Is(err, bakeday.ErrDuplicateBakeDay),
		errors.Is(err, ordering.ErrOrderStatusConflict),
		errors.Is(err, capacity.ErrEntryReserved),
		errors.Is(err, capacity.ErrCapacityBelowReserved):
		status = http.StatusConflict
	case capacity.IsClientError(err),
		errors.Is(err, ordering.ErrEmptyOrder),
		errors.Is(err, bakeday.ErrInvalidCutoff):
		status = http.StatusBadRequest
	case capacity.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	default:
		h.Logger.Error(message, zap.Error(err))
	}
	writeJSON(w, status, resp)
}
