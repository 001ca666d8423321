package apihttp

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	alerts "aquaflow/internal/alerts/domain"
	"aquaflow/internal/auth"
	broker "aquaflow/internal/broker/domain"
	devices "aquaflow/internal/devices/domain"
	submission "aquaflow/internal/submission/domain"
)

const timeLayout = time.RFC3339

// ConnectionRunner reports and controls live broker connections.
type ConnectionRunner interface {
	Running(tenantID, provider string) bool
	Start(ctx context.Context, cfg broker.Config) error
	Stop(tenantID, provider string)
}

// ConnectionsStatusHandler serves broker connection status queries.
type ConnectionsStatusHandler struct {
	configs broker.ConfigRepository
	runner  ConnectionRunner
}

// NewConnectionsStatusHandler constructs a ConnectionsStatusHandler.
func NewConnectionsStatusHandler(configs broker.ConfigRepository, runner ConnectionRunner) *ConnectionsStatusHandler {
	return &ConnectionsStatusHandler{configs: configs, runner: runner}
}

type connectionRow struct {
	TenantID string `json:"tenant_id"`
	Provider string `json:"provider"`
	Broker   string `json:"broker"`
	Status   string `json:"status"`
	Running  bool   `json:"running"`
}

// ServeHTTP handles GET /api/v1/status/connections.
func (h *ConnectionsStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.configs == nil || h.runner == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	configs, err := h.configs.ListEnabled(r.Context())
	if err != nil {
		http.Error(w, "query connections error", http.StatusInternalServerError)
		return
	}

	tenantID := auth.TenantIDFromContext(r.Context())
	result := make([]connectionRow, 0, len(configs))
	for _, cfg := range configs {
		if tenantID != "" && cfg.TenantID != tenantID {
			continue
		}
		result = append(result, connectionRow{
			TenantID: cfg.TenantID,
			Provider: cfg.Provider,
			Broker:   cfg.BrokerURL(),
			Status:   cfg.Status,
			Running:  h.runner.Running(cfg.TenantID, cfg.Provider),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// ConnectionControlHandler starts and stops broker connections.
type ConnectionControlHandler struct {
	configs broker.ConfigRepository
	runner  ConnectionRunner
}

// NewConnectionControlHandler constructs a ConnectionControlHandler.
func NewConnectionControlHandler(configs broker.ConfigRepository, runner ConnectionRunner) *ConnectionControlHandler {
	return &ConnectionControlHandler{configs: configs, runner: runner}
}

// ServeHTTP handles POST /api/v1/connections/{provider}/{start|stop}
// for the caller's tenant.
func (h *ConnectionControlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.configs == nil || h.runner == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	tenantID := auth.TenantIDFromContext(r.Context())
	if tenantID == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}
	provider, action, err := parseConnectionPath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch action {
	case "stop":
		h.runner.Stop(tenantID, provider)
		w.WriteHeader(http.StatusNoContent)
	case "start":
		configs, err := h.configs.ListEnabled(r.Context())
		if err != nil {
			http.Error(w, "query connections error", http.StatusInternalServerError)
			return
		}
		for _, cfg := range configs {
			if cfg.TenantID != tenantID || cfg.Provider != provider {
				continue
			}
			if err := h.runner.Start(context.WithoutCancel(r.Context()), cfg); err != nil {
				http.Error(w, "start connection error", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Error(w, "connection not found", http.StatusNotFound)
	default:
		http.Error(w, "action must be start or stop", http.StatusBadRequest)
	}
}

func parseConnectionPath(path string) (provider, action string, err error) {
	rest := strings.TrimPrefix(path, "/api/v1/connections/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("path must be /api/v1/connections/{provider}/{action}")
	}
	return parts[0], parts[1], nil
}

// SubmissionStatsHandler serves submission queue statistics.
type SubmissionStatsHandler struct {
	items submission.Repository
}

// NewSubmissionStatsHandler constructs a SubmissionStatsHandler.
func NewSubmissionStatsHandler(items submission.Repository) *SubmissionStatsHandler {
	return &SubmissionStatsHandler{items: items}
}

// ServeHTTP handles GET /api/v1/submissions/stats.
func (h *SubmissionStatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.items == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	tenantID := auth.TenantIDFromContext(r.Context())
	if tenantID == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}

	counts, err := h.items.CountByStatus(r.Context(), tenantID)
	if err != nil {
		http.Error(w, "query submissions error", http.StatusInternalServerError)
		return
	}
	if counts == nil {
		counts = map[string]int{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(counts)
}

// AlertsHandler serves recent alert queries.
type AlertsHandler struct {
	alerts alerts.Repository
}

// NewAlertsHandler constructs an AlertsHandler.
func NewAlertsHandler(repo alerts.Repository) *AlertsHandler {
	return &AlertsHandler{alerts: repo}
}

// ServeHTTP handles GET /api/v1/alerts.
func (h *AlertsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.alerts == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	tenantID := auth.TenantIDFromContext(r.Context())
	if tenantID == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			http.Error(w, "limit must be 1..1000", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	rows, err := h.alerts.ListRecent(r.Context(), tenantID, limit)
	if err != nil {
		http.Error(w, "query alerts error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []alerts.Alert{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

// AuthorizationInvalidator drops a cached authorization entry.
type AuthorizationInvalidator interface {
	Invalidate(tenantID, deviceID string)
}

// DeviceAuthorizationHandler serves device authorization lookups and
// cache invalidation.
type DeviceAuthorizationHandler struct {
	store devices.AuthorizationRepository
	cache AuthorizationInvalidator
	now   func() time.Time
}

// NewDeviceAuthorizationHandler constructs a DeviceAuthorizationHandler.
func NewDeviceAuthorizationHandler(store devices.AuthorizationRepository, cache AuthorizationInvalidator) *DeviceAuthorizationHandler {
	return &DeviceAuthorizationHandler{store: store, cache: cache, now: time.Now}
}

type authorizationRow struct {
	DeviceID   string     `json:"device_id"`
	Authorized bool       `json:"authorized"`
	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// ServeHTTP handles GET and DELETE on
// /api/v1/devices/{device}/authorization. DELETE drops the cached
// entry so the next check consults the durable store.
func (h *DeviceAuthorizationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.store == nil || h.cache == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	tenantID := auth.TenantIDFromContext(r.Context())
	if tenantID == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}
	deviceID, err := parseDevicePath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		record, err := h.store.Get(r.Context(), tenantID, deviceID)
		if err != nil {
			http.Error(w, "query authorization error", http.StatusInternalServerError)
			return
		}
		row := authorizationRow{DeviceID: deviceID}
		if record != nil {
			row.Active = record.Active
			row.Authorized = record.ActiveAt(h.now().UTC())
			if !record.ExpiresAt.IsZero() {
				expires := record.ExpiresAt.UTC()
				row.ExpiresAt = &expires
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(row)
	case http.MethodDelete:
		h.cache.Invalidate(tenantID, deviceID)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func parseDevicePath(path string) (string, error) {
	rest := strings.TrimPrefix(path, "/api/v1/devices/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "authorization" {
		return "", errors.New("path must be /api/v1/devices/{device}/authorization")
	}
	return parts[0], nil
}

// MeasurementCounter counts stored measurements for ops stats.
type MeasurementCounter interface {
	CountSince(ctx context.Context, tenantID string, since time.Time) (int64, error)
}

// MeasurementStatsHandler serves measurement ingestion statistics.
type MeasurementStatsHandler struct {
	counter MeasurementCounter
	now     func() time.Time
}

// NewMeasurementStatsHandler constructs a MeasurementStatsHandler.
func NewMeasurementStatsHandler(counter MeasurementCounter) *MeasurementStatsHandler {
	return &MeasurementStatsHandler{counter: counter, now: time.Now}
}

// ServeHTTP handles GET /api/v1/measurements/stats. The window defaults
// to the last 24 hours; an optional since=RFC3339 query overrides it.
func (h *MeasurementStatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.counter == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	tenantID := auth.TenantIDFromContext(r.Context())
	if tenantID == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}
	since := h.now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(timeLayout, raw)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = parsed.UTC()
	}

	count, err := h.counter.CountSince(r.Context(), tenantID, since)
	if err != nil {
		http.Error(w, "query measurements error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"since": since.Format(timeLayout),
		"count": count,
	})
}

// MeasurementsHandler serves canonical measurement queries.
type MeasurementsHandler struct {
	db *sql.DB
}

// NewMeasurementsHandler constructs a MeasurementsHandler.
func NewMeasurementsHandler(db *sql.DB) *MeasurementsHandler {
	return &MeasurementsHandler{db: db}
}

type measurementRow struct {
	PointID          string    `json:"point_id"`
	DeviceID         string    `json:"device_id"`
	Variable         string    `json:"variable"`
	TS               time.Time `json:"ts"`
	Value            *float64  `json:"value"`
	Quality          float64   `json:"quality"`
	Provider         string    `json:"provider"`
	ProcessingConfig string    `json:"processing_config"`
	SubmissionFailed bool      `json:"submission_failed"`
}

// ServeHTTP handles GET /api/v1/measurements.
func (h *MeasurementsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.db == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	tenantID := auth.TenantIDFromContext(r.Context())
	if tenantID == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}
	pointID := r.URL.Query().Get("point_id")
	if pointID == "" {
		http.Error(w, "point_id is required", http.StatusBadRequest)
		return
	}
	from, err := parseTimeQuery(r, "from")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeQuery(r, "to")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}

	rows, err := queryMeasurements(r.Context(), h.db, tenantID, pointID, from, to)
	if err != nil {
		http.Error(w, "query measurements error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func queryMeasurements(ctx context.Context, db *sql.DB, tenantID, pointID string, from, to time.Time) ([]measurementRow, error) {
	rows, err := db.QueryContext(ctx, `
SELECT
	point_id,
	device_id,
	variable,
	ts,
	value_numeric,
	quality,
	provider,
	processing_config,
	submission_failed
FROM canonical_measurements
WHERE tenant_id = $1
	AND point_id = $2
	AND ts >= $3
	AND ts < $4
ORDER BY ts ASC`, tenantID, pointID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]measurementRow, 0)
	for rows.Next() {
		var row measurementRow
		var value sql.NullFloat64
		if err := rows.Scan(
			&row.PointID,
			&row.DeviceID,
			&row.Variable,
			&row.TS,
			&value,
			&row.Quality,
			&row.Provider,
			&row.ProcessingConfig,
			&row.SubmissionFailed,
		); err != nil {
			return nil, err
		}
		row.TS = row.TS.UTC()
		if value.Valid {
			v := value.Float64
			row.Value = &v
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, errors.New(key + " is required")
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}
