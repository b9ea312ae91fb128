// Package server exposes the reconciliation state over a JSON HTTP API.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/avtopark/finewatch/internal/model"
	"github.com/avtopark/finewatch/internal/poller"
	"github.com/avtopark/finewatch/internal/store"
)

// Trigger starts a reconciliation run on demand.
type Trigger interface {
	RunAsync(trigger model.RunTrigger) error
}

// Handlers groups the HTTP handlers and their dependencies.
type Handlers struct {
	store   store.Store
	trigger Trigger
}

// NewRouter mounts the API onto a chi router.
func NewRouter(st store.Store, trigger Trigger) http.Handler {
	h := &Handlers{store: st, trigger: trigger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/dashboard", h.Dashboard)

		r.Route("/vehicles", func(r chi.Router) {
			r.Get("/", h.ListVehicles)
			r.Post("/", h.CreateVehicle)
			r.Get("/{id}", h.GetVehicle)
			r.Put("/{id}", h.UpdateVehicle)
			r.Delete("/{id}", h.DeleteVehicle)
			r.Get("/{id}/fines", h.VehicleFines)
		})

		r.Get("/fines", h.ListFines)
		r.Get("/fines/{id}/payment", h.FinePayment)

		r.Post("/check", h.TriggerCheck)
		r.Get("/runs", h.ListRuns)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps a store failure to 404 or 500.
func writeStoreError(w http.ResponseWriter, err error) {
	if eris.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	zap.L().Error("api: store failure", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Dashboard reports the aggregate picture: fleet size, outstanding and
// settled fines, and the most recent run.
func (h *Handlers) Dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	vehicles, err := h.store.ListVehicles(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	unpaid := false
	open, err := h.store.ListFines(ctx, store.FineFilter{Paid: &unpaid})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var openAmount int64
	for _, f := range open {
		openAmount += f.Amount
	}

	paid := true
	settled, err := h.store.ListFines(ctx, store.FineFilter{Paid: &paid})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	runs, err := h.store.ListRuns(ctx, 1)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var lastRun *model.Run
	if len(runs) > 0 {
		lastRun = &runs[0]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"vehicles": len(vehicles),
		"fines": map[string]any{
			"unpaid":        len(open),
			"unpaid_amount": openAmount,
			"paid":          len(settled),
		},
		"last_run": lastRun,
	})
}

type vehicleRequest struct {
	Plate       string `json:"plate"`
	Document    string `json:"document"`
	Email       string `json:"email"`
	Email2      string `json:"email2"`
	Description string `json:"description"`
}

func (v vehicleRequest) validate() error {
	if v.Plate == "" {
		return eris.New("plate is required")
	}
	if v.Document == "" {
		return eris.New("document is required")
	}
	if v.Email == "" {
		return eris.New("email is required")
	}
	return nil
}

func (h *Handlers) ListVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := h.store.ListVehicles(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicles": vehicles, "total": len(vehicles)})
}

func (h *Handlers) CreateVehicle(w http.ResponseWriter, r *http.Request) {
	var req vehicleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	v, err := h.store.CreateVehicle(r.Context(), model.Vehicle{
		Plate:       req.Plate,
		Document:    req.Document,
		Email:       req.Email,
		Email2:      req.Email2,
		Description: req.Description,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handlers) GetVehicle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vehicle id")
		return
	}
	v, err := h.store.GetVehicle(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handlers) UpdateVehicle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vehicle id")
		return
	}
	var req vehicleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.UpdateVehicle(r.Context(), model.Vehicle{
		ID:          id,
		Plate:       req.Plate,
		Document:    req.Document,
		Email:       req.Email,
		Email2:      req.Email2,
		Description: req.Description,
	}); err != nil {
		writeStoreError(w, err)
		return
	}

	v, err := h.store.GetVehicle(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handlers) DeleteVehicle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vehicle id")
		return
	}
	if err := h.store.DeleteVehicle(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) VehicleFines(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vehicle id")
		return
	}
	// 404 for an unknown vehicle rather than an empty history.
	if _, err := h.store.GetVehicle(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	fines, err := h.store.ListFines(r.Context(), store.FineFilter{VehicleID: id})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fines": fines, "total": len(fines)})
}

func (h *Handlers) ListFines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.FineFilter{
		Limit: parseIntDefault(q.Get("limit"), 0),
	}
	if s := q.Get("vehicle_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid vehicle_id")
			return
		}
		filter.VehicleID = id
	}
	if s := q.Get("paid"); s != "" {
		paid, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid paid flag")
			return
		}
		filter.Paid = &paid
	}

	fines, err := h.store.ListFines(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fines": fines, "total": len(fines)})
}

// FinePayment returns the payment requisites for a fine together with an
// SBP transfer link built from them.
func (h *Handlers) FinePayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid fine id")
		return
	}
	f, err := h.store.GetFine(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	v, err := h.store.GetVehicle(r.Context(), f.VehicleID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"fine":         f,
		"plate":        v.Plate,
		"requisites":   f.Requisites,
		"transfer_url": TransferURL(f, v.Plate),
	})
}

// TransferURL builds the SBP (Bank of Russia fast payments) transfer link
// for a fine. The sum must carry explicit kopek digits.
func TransferURL(f *model.FineRecord, plate string) string {
	q := url.Values{}
	q.Set("sum", fmt.Sprintf("%d.00", f.Amount))
	q.Set("name", f.Requisites.RecipientName)
	q.Set("comment", fmt.Sprintf("Штраф ГИБДД %s от %s", plate, f.Date))
	q.Set("account", f.Requisites.Account)
	q.Set("bic", f.Requisites.BIC)
	return "https://qr.cbr.ru/transfer?" + q.Encode()
}

// TriggerCheck starts a run in the background. A run already in flight
// answers 409 rather than queueing.
func (h *Handlers) TriggerCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.trigger.RunAsync(model.TriggerManual); err != nil {
		if eris.Is(err, poller.ErrRunInProgress) {
			writeError(w, http.StatusConflict, "a run is already in progress")
			return
		}
		zap.L().Error("api: trigger run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	runs, err := h.store.ListRuns(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "total": len(runs)})
}
