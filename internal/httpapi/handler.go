package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ticketing/scanner-service/internal/cache"
	"ticketing/scanner-service/internal/codec"
	"ticketing/scanner-service/internal/models"
	"ticketing/scanner-service/internal/scansync"
	"ticketing/scanner-service/internal/store"

	"github.com/klauspost/compress/gzhttp"
)

const (
	HeaderDeviceUUID = "X-Device-UUID"
	HeaderDeviceName = "X-Device-Name"

	maxSyncBody = 4 << 20
)

// CatalogCache is the optional read-through cache in front of the catalog
// query.
type CatalogCache interface {
	GetCatalog(ctx context.Context, key string) ([]models.Event, bool, error)
	SetCatalog(ctx context.Context, key string, events []models.Event) error
}

type Handler struct {
	store          store.ScannerStore
	cache          CatalogCache
	loc            *time.Location
	configWindow   time.Duration
	maxBatchSize   int
	dashboardToken string
	feedOverlap    time.Duration
	clock          func() time.Time
	logger         *slog.Logger
}

type Options struct {
	Location       *time.Location
	ConfigWindow   time.Duration
	MaxBatchSize   int
	DashboardToken string
	// FeedOverlap is how far the cursor handed to devices trails the server
	// clock. Ticket writes are given the same budget to commit, so a change
	// stamped before a cursor was issued is still newer than that cursor.
	// Zero disables both.
	FeedOverlap time.Duration
	Cache       CatalogCache
	Clock       func() time.Time
	Logger      *slog.Logger
}

func NewHandler(store store.ScannerStore, options Options) *Handler {
	loc := options.Location
	if loc == nil {
		loc = time.UTC
	}
	clock := options.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:          store,
		cache:          options.Cache,
		loc:            loc,
		configWindow:   options.ConfigWindow,
		maxBatchSize:   options.MaxBatchSize,
		dashboardToken: options.DashboardToken,
		feedOverlap:    options.FeedOverlap,
		clock:          clock,
		logger:         logger,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)

	scanner := func(fn http.HandlerFunc) http.Handler {
		return gzhttp.GzipHandler(fn)
	}
	mux.Handle("GET /scanner/config", scanner(h.handleConfig))
	mux.Handle("GET /scanner/functions/{functionId}/tickets", scanner(h.handleSnapshot))
	mux.Handle("GET /scanner/functions/{functionId}/updates", scanner(h.handleUpdates))
	mux.Handle("POST /scanner/sync", scanner(h.handleSync))

	dashboard := func(fn http.HandlerFunc) http.Handler {
		return DashboardAuth(h.dashboardToken, fn)
	}
	mux.Handle("GET /dashboard/tickets/{code}", dashboard(h.handleDashboardTicket))
	mux.Handle("GET /dashboard/tickets/{code}/scans", dashboard(h.handleDashboardScans))
	mux.Handle("PUT /dashboard/tickets/{code}/status", dashboard(h.handleDashboardStatus))
	return mux
}

// now is the single server clock every response timestamp and every write
// is taken from.
func (h *Handler) now() time.Time {
	return h.clock().UTC().Truncate(time.Microsecond)
}

// cursor is the server_time a device resumes the delta feed from.
func (h *Handler) cursor(now time.Time) string {
	return scansync.FormatTime(now.Add(-h.feedOverlap), h.loc)
}

// writeContext bounds a ticket write by the feed overlap.
func (h *Handler) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.feedOverlap <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.feedOverlap)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type configResponse struct {
	ServerTime string         `json:"server_time"`
	Timezone   string         `json:"timezone"`
	Events     []models.Event `json:"events"`
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	cutoff := now.Add(-h.configWindow)

	events, err := h.catalog(r.Context(), cutoff)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list catalog", "error", err)
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	for i := range events {
		for j := range events[i].Functions {
			events[i].Functions[j].StartsAt = events[i].Functions[j].StartsAt.In(h.loc)
		}
	}
	writeData(w, r, http.StatusOK, configResponse{
		ServerTime: scansync.FormatTime(now, h.loc),
		Timezone:   h.loc.String(),
		Events:     events,
	})
}

func (h *Handler) catalog(ctx context.Context, cutoff time.Time) ([]models.Event, error) {
	if h.cache == nil {
		return h.store.ListCatalog(ctx, cutoff)
	}
	key := cache.CatalogKey(cutoff)
	events, ok, err := h.cache.GetCatalog(ctx, key)
	if err != nil {
		h.logger.WarnContext(ctx, "catalog cache read", "error", err)
	}
	if ok {
		return events, nil
	}
	events, err = h.store.ListCatalog(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if err := h.cache.SetCatalog(ctx, key, events); err != nil {
		h.logger.WarnContext(ctx, "catalog cache write", "error", err)
	}
	return events, nil
}

type snapshotResponse struct {
	FunctionID int64                   `json:"function_id"`
	ServerTime string                  `json:"server_time"`
	Tickets    []models.SnapshotTicket `json:"tickets"`
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromRequest(r)
	functionID, ok := functionIDFromPath(r)
	if !ok {
		writeError(w, requestID, http.StatusNotFound, "function_not_found", "function not found")
		return
	}

	now := h.now()
	rows, err := h.store.SnapshotTickets(r.Context(), functionID)
	if err != nil {
		h.logStoreError(r, "snapshot tickets", err)
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	writeData(w, r, http.StatusOK, snapshotResponse{
		FunctionID: functionID,
		ServerTime: h.cursor(now),
		Tickets:    scansync.Snapshot(rows, h.loc),
	})
}

type updatesResponse struct {
	FunctionID int64                `json:"function_id"`
	ServerTime string               `json:"server_time"`
	Tickets    []models.TicketDelta `json:"tickets"`
}

func (h *Handler) handleUpdates(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromRequest(r)
	functionID, ok := functionIDFromPath(r)
	if !ok {
		writeError(w, requestID, http.StatusNotFound, "function_not_found", "function not found")
		return
	}

	rawSince := strings.TrimSpace(r.URL.Query().Get("since"))
	if rawSince == "" {
		writeValidationError(w, requestID, scansync.NewValidationError("since", "required"))
		return
	}
	since, err := parseSince(rawSince, h.loc)
	if err != nil {
		writeValidationError(w, requestID, scansync.NewValidationError("since", "must be an ISO-8601 date"))
		return
	}

	// Read before querying: a change committed during the query is at worst
	// sent twice, never skipped. Writes still in flight are covered by the
	// overlap.
	now := h.now()
	tickets, err := h.store.TicketUpdatesSince(r.Context(), functionID, since)
	if err != nil {
		h.logStoreError(r, "ticket updates", err)
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	writeData(w, r, http.StatusOK, updatesResponse{
		FunctionID: functionID,
		ServerTime: h.cursor(now),
		Tickets:    scansync.Deltas(tickets, h.loc),
	})
}

// parseSince undoes the '+' to ' ' substitution of unencoded query strings
// before giving up on a value.
func parseSince(raw string, loc *time.Location) (time.Time, error) {
	since, err := scansync.ParseDeviceTime(raw, loc)
	if err == nil {
		return since, nil
	}
	if idx := strings.LastIndex(raw, " "); idx > len("2006-01-02") {
		if fixed, retryErr := scansync.ParseDeviceTime(raw[:idx]+"+"+raw[idx+1:], loc); retryErr == nil {
			return fixed, nil
		}
	}
	return time.Time{}, err
}

type syncEnvelope struct {
	Scans []scansync.RawScan `json:"scans"`
}

type syncResponse struct {
	Received   []string `json:"received"`
	ServerTime string   `json:"server_time"`
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromRequest(r)
	device := deviceFromRequest(r)

	raw, err := decodeSyncBody(r)
	if err != nil {
		writeValidationError(w, requestID, scansync.NewValidationError("scans", "must be a list of scans"))
		return
	}
	scans, err := scansync.ParseBatch(raw, h.loc, h.maxBatchSize)
	if err != nil {
		var verr *scansync.ValidationError
		if errors.As(err, &verr) {
			writeValidationError(w, requestID, verr)
			return
		}
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	receivedAt := h.now()
	ctx, cancel := h.writeContext(r.Context())
	defer cancel()
	result, err := h.store.SyncScans(ctx, store.SyncInput{
		Device:     device,
		Scans:      scans,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "sync scans",
			"error", err, "device_uuid", device.UUID, "device_name", device.Name, "batch_size", len(scans))
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	scansReceived.Add(int64(result.Logged))
	ticketsAdmitted.Add(int64(result.Admitted))
	h.logger.InfoContext(r.Context(), "sync applied",
		"device_uuid", device.UUID, "device_name", device.Name,
		"received", len(result.Received), "admitted", result.Admitted)

	writeData(w, r, http.StatusOK, syncResponse{
		Received:   result.Received,
		ServerTime: scansync.FormatTime(receivedAt, h.loc),
	})
}

// decodeSyncBody accepts a bare list of scans or an object wrapping it in
// "scans", as JSON or CBOR.
func decodeSyncBody(r *http.Request) ([]scansync.RawScan, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSyncBody))
	if err != nil {
		return nil, err
	}
	if codec.IsCBOR(r.Header.Get("Content-Type")) {
		var list []scansync.RawScan
		if err := codec.Unmarshal(body, &list); err == nil {
			return list, nil
		}
		var envelope syncEnvelope
		if err := codec.Unmarshal(body, &envelope); err != nil {
			return nil, err
		}
		return envelope.Scans, nil
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []scansync.RawScan
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var envelope syncEnvelope
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, err
	}
	return envelope.Scans, nil
}

type dashboardTicket struct {
	Code        string              `json:"code"`
	Status      models.TicketStatus `json:"status"`
	FunctionID  int64               `json:"function_id"`
	BundleRef   *string             `json:"bundle_ref"`
	ValidatedAt *string             `json:"validated_at"`
	ValidatedBy *string             `json:"validated_by"`
	UpdatedAt   string              `json:"updated_at"`
}

func (h *Handler) dashboardView(ticket models.Ticket) dashboardTicket {
	view := dashboardTicket{
		Code:        ticket.Code,
		Status:      ticket.Status,
		FunctionID:  ticket.FunctionID,
		BundleRef:   ticket.BundleRef,
		ValidatedBy: ticket.ValidatedBy,
		UpdatedAt:   scansync.FormatTime(ticket.UpdatedAt, h.loc),
	}
	if ticket.ValidatedAt != nil {
		at := scansync.FormatTime(*ticket.ValidatedAt, h.loc)
		view.ValidatedAt = &at
	}
	return view
}

func (h *Handler) handleDashboardTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.store.GetTicketByCode(r.Context(), r.PathValue("code"))
	if err != nil {
		h.logStoreError(r, "get ticket", err)
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, h.dashboardView(ticket))
}

type scanHistoryEntry struct {
	ID           int64  `json:"id"`
	DeviceUUID   string `json:"device_uuid"`
	DeviceName   string `json:"device_name"`
	Result       string `json:"result"`
	ServerResult string `json:"server_result"`
	ScannedAt    string `json:"scanned_at"`
	ReceivedAt   string `json:"received_at"`
}

type scanHistoryResponse struct {
	Code       string             `json:"code"`
	ChainValid bool               `json:"chain_valid"`
	Scans      []scanHistoryEntry `json:"scans"`
}

func (h *Handler) handleDashboardScans(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromRequest(r)
	code := r.PathValue("code")
	ticket, err := h.store.GetTicketByCode(r.Context(), code)
	if err != nil {
		h.logStoreError(r, "get ticket", err)
		status, errCode, msg := mapError(err)
		writeError(w, requestID, status, errCode, msg)
		return
	}
	logs, err := h.store.ListScanLogs(r.Context(), ticket.Code)
	if err != nil {
		h.logStoreError(r, "list scan logs", err)
		status, errCode, msg := mapError(err)
		writeError(w, requestID, status, errCode, msg)
		return
	}

	scans := make([]scanHistoryEntry, 0, len(logs))
	for _, entry := range logs {
		scans = append(scans, scanHistoryEntry{
			ID:           entry.ID,
			DeviceUUID:   entry.DeviceUUID,
			DeviceName:   entry.DeviceName,
			Result:       entry.Result,
			ServerResult: entry.ServerResult,
			ScannedAt:    scansync.FormatTime(entry.ScannedAt, h.loc),
			ReceivedAt:   scansync.FormatTime(entry.ReceivedAt, h.loc),
		})
	}
	writeJSON(w, http.StatusOK, scanHistoryResponse{
		Code:       ticket.Code,
		ChainValid: store.VerifyScanChain(logs),
		Scans:      scans,
	})
}

type statusRequest struct {
	Status string `json:"status"`
	Actor  string `json:"actor"`
}

func (h *Handler) handleDashboardStatus(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromRequest(r)
	var req statusRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	target := models.TicketStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if target != models.StatusAvailable && target != models.StatusUsed {
		writeValidationError(w, requestID, scansync.NewValidationError("status", "must be available or used"))
		return
	}

	ctx, cancel := h.writeContext(r.Context())
	defer cancel()
	ticket, err := h.store.SetTicketStatus(ctx, store.OverrideInput{
		Code:       r.PathValue("code"),
		Status:     target,
		Actor:      strings.TrimSpace(req.Actor),
		OccurredAt: h.now(),
	})
	if err != nil {
		h.logStoreError(r, "set ticket status", err)
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	h.logger.InfoContext(r.Context(), "ticket status overridden",
		"code", ticket.Code, "status", ticket.Status, "actor", req.Actor)
	writeJSON(w, http.StatusOK, h.dashboardView(ticket))
}

func (h *Handler) logStoreError(r *http.Request, op string, err error) {
	if status, _, _ := mapError(err); status < http.StatusInternalServerError {
		return
	}
	h.logger.ErrorContext(r.Context(), op, "error", err, "path", r.URL.Path)
}

func functionIDFromPath(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("functionId"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func deviceFromRequest(r *http.Request) models.Device {
	device := models.Device{
		UUID: strings.TrimSpace(r.Header.Get(HeaderDeviceUUID)),
		Name: strings.TrimSpace(r.Header.Get(HeaderDeviceName)),
	}
	if device.UUID == "" {
		device.UUID = models.UnknownDevice
	}
	if device.Name == "" {
		device.Name = models.UnknownDevice
	}
	return device
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}
