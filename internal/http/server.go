package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tagsakay/server/internal/auth"
	"tagsakay/server/internal/config"
	"tagsakay/server/internal/metrics"
	"tagsakay/server/internal/model"
	"tagsakay/server/internal/ratelimit"
	"tagsakay/server/internal/repository"
	"tagsakay/server/internal/rfid"
)

// Store interfaces are deliberately narrow: each names only what the handlers
// call, so tests can stand in fakes without a database.

type DeviceStore interface {
	GetByDeviceID(ctx context.Context, deviceID string) (model.Device, error)
	List(ctx context.Context) ([]model.Device, error)
	UpdateLastSeen(ctx context.Context, deviceID string, seenAt time.Time) error
	UpdateLocation(ctx context.Context, deviceID, location string, now time.Time) error
	SetRegistrationMode(ctx context.Context, deviceID string, enabled bool, pendingTagID string, scanMode bool, now time.Time) error
}

type TagStore interface {
	Create(ctx context.Context, tag model.Tag) error
	GetByTagID(ctx context.Context, tagID string) (model.Tag, error)
	ListTagIDs(ctx context.Context) ([]string, error)
	SetActive(ctx context.Context, tagID string, isActive bool, metadata map[string]string, now time.Time) error
}

type ScanStore interface {
	RecentByTag(ctx context.Context, tagID string, limit int) ([]model.ScanRecord, error)
	LatestByTagSince(ctx context.Context, tagID string, since time.Time) (model.ScanRecord, error)
	RecentUnregistered(ctx context.Context, since time.Time, limit int) ([]model.ScanRecord, error)
}

type UserStore interface {
	GetByID(ctx context.Context, userID string) (model.User, error)
}

type DeviceRegistrar interface {
	RegisterDevice(ctx context.Context, device model.Device, key model.APIKey) error
}

type ScanProcessor interface {
	Process(ctx context.Context, origin rfid.Origin, req rfid.ScanRequest) (rfid.ScanResult, error)
}

type DeviceAuthenticator interface {
	Authenticate(ctx context.Context, header, permission string) (auth.DeviceIdentity, error)
}

// Stores bundles the persistence surfaces the server needs.
type Stores struct {
	Devices   DeviceStore
	Tags      TagStore
	Scans     ScanStore
	Users     UserStore
	Registrar DeviceRegistrar
}

type Server struct {
	cfg       config.Config
	stores    Stores
	gate      DeviceAuthenticator
	processor ScanProcessor
	limiter   ratelimit.Limiter
	logger    zerolog.Logger
	now       func() time.Time
}

func NewServer(cfg config.Config, stores Stores, gate DeviceAuthenticator, processor ScanProcessor, limiter ratelimit.Limiter, logger zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		stores:    stores,
		gate:      gate,
		processor: processor,
		limiter:   limiter,
		logger:    logger.With().Str("component", "http").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.With(s.deviceAuth(model.PermissionScan), s.rateLimitMiddleware).Post("/rfid/scan", s.handleScan)
	r.With(s.adminAuth).Post("/rfid/register", s.handleRegisterTag)
	r.With(s.adminAuth).Get("/rfid/scans/unregistered", s.handleUnregisteredScans)
	r.With(s.adminAuth).Get("/rfid/check-recent-scan/{tagId}", s.handleCheckRecentScan)
	r.With(s.adminAuth).Get("/rfid/{tagId}", s.handleGetTag)
	r.With(s.adminAuth).Put("/rfid/{tagId}/status", s.handleUpdateTagStatus)

	r.With(s.adminAuth).Post("/devices/register", s.handleRegisterDevice)
	r.With(s.adminAuth).Get("/devices", s.handleListDevices)
	r.With(s.deviceAuth(model.PermissionScan)).Post("/devices/{deviceId}/heartbeat", s.handleHeartbeat)
	r.With(s.deviceAuth(model.PermissionScan)).Get("/devices/registration-mode/{deviceId}", s.handleGetRegistrationMode)
	r.With(s.adminAuth).Post("/devices/{deviceId}/registration-mode", s.handleSetRegistrationMode)
	r.With(s.deviceAuth(model.PermissionScan)).Post("/devices/status/{deviceId}", s.handleDeviceStatus)

	return r
}

// Auth

type claimsKey struct{}
type deviceKey struct{}

func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		if claims.Role != "admin" {
			writeError(w, http.StatusForbidden, "admin_required")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func (s *Server) deviceAuth(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := s.gate.Authenticate(r.Context(), r.Header.Get("X-API-Key"), permission)
			if err != nil {
				status, code := deviceAuthError(err)
				if status == http.StatusInternalServerError {
					s.logger.Error().Err(err).Msg("device authentication failed")
				} else {
					metrics.AuthFailuresTotal.WithLabelValues(code).Inc()
				}
				writeError(w, status, code)
				return
			}
			ctx := context.WithValue(r.Context(), deviceKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func deviceAuthError(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrCredentialRequired):
		return http.StatusUnauthorized, "credential_required"
	case errors.Is(err, auth.ErrMalformedAPIKey):
		return http.StatusUnauthorized, "malformed_credential"
	case errors.Is(err, auth.ErrUnknownCredential):
		return http.StatusUnauthorized, "invalid_credential"
	case errors.Is(err, auth.ErrDeviceInactive):
		return http.StatusForbidden, "device_inactive"
	case errors.Is(err, auth.ErrPermissionDenied):
		return http.StatusForbidden, "insufficient_permission"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func deviceFromContext(ctx context.Context) auth.DeviceIdentity {
	identity, _ := ctx.Value(deviceKey{}).(auth.DeviceIdentity)
	return identity
}

// rateLimitMiddleware throttles per resolved device, falling back to the
// remote address for synthetic identities with an empty device id. Limiter
// backend failures fail open: over-admitting briefly beats dropping scans.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := deviceFromContext(r.Context()).DeviceID
		if key == "" {
			key = r.RemoteAddr
		}
		result, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))
		if !result.Allowed {
			metrics.RateLimitRejectionsTotal.Inc()
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Scans

type scanRequest struct {
	TagID     string            `json:"tagId"`
	Location  string            `json:"location,omitempty"`
	VehicleID string            `json:"vehicleId,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type scanUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type scanData struct {
	ScanID    string    `json:"scanId"`
	ScanTime  time.Time `json:"scanTime"`
	EventType string    `json:"eventType"`
	User      *scanUser `json:"user,omitempty"`
}

type scanResponse struct {
	Success bool     `json:"success"`
	Data    scanData `json:"data"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	identity := deviceFromContext(r.Context())
	result, err := s.processor.Process(r.Context(), rfid.Origin{
		DeviceID: identity.DeviceID,
		Location: identity.Location,
	}, rfid.ScanRequest{
		TagID:     req.TagID,
		Location:  req.Location,
		VehicleID: req.VehicleID,
		Metadata:  req.Metadata,
	})
	if err != nil {
		if errors.Is(err, rfid.ErrMissingTagID) {
			writeError(w, http.StatusBadRequest, "tag_id_required")
			return
		}
		s.logger.Error().Err(err).Str("tag_id", req.TagID).Msg("scan processing failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	metrics.ScansTotal.WithLabelValues(string(result.Outcome)).Inc()
	switch result.Outcome {
	case rfid.OutcomeNotRegistered:
		writeError(w, http.StatusNotFound, "tag_not_registered")
	case rfid.OutcomeInactiveTag:
		writeError(w, http.StatusForbidden, "inactive_tag")
	case rfid.OutcomeInactiveUser:
		writeError(w, http.StatusForbidden, "inactive_user_account")
	default:
		metrics.ScanEventsTotal.WithLabelValues(string(result.Record.EventType)).Inc()
		data := scanData{
			ScanID:    result.Record.ID,
			ScanTime:  result.Record.ScanTime,
			EventType: string(result.Record.EventType),
		}
		if result.User != nil {
			data.User = &scanUser{ID: result.User.ID, Name: result.User.Name}
		}
		writeJSON(w, http.StatusOK, scanResponse{Success: true, Data: data})
	}
}

// Tags

type registerTagRequest struct {
	TagID    string            `json:"tagId"`
	UserID   string            `json:"userId,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type tagResponse struct {
	TagID       string            `json:"tagId"`
	UserID      string            `json:"userId,omitempty"`
	IsActive    bool              `json:"isActive"`
	LastScanned *time.Time        `json:"lastScanned,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleRegisterTag(w http.ResponseWriter, r *http.Request) {
	var req registerTagRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if strings.TrimSpace(req.TagID) == "" {
		writeError(w, http.StatusBadRequest, "tag_id_required")
		return
	}

	now := s.now()
	tag := model.Tag{
		ID:        uuid.NewString(),
		TagID:     strings.TrimSpace(req.TagID),
		IsActive:  true,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.UserID != "" {
		userID := req.UserID
		tag.UserID = &userID
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		tag.RegisteredBy = claims.UserID
	}

	if err := s.stores.Tags.Create(r.Context(), tag); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			writeError(w, http.StatusConflict, "tag_exists")
			return
		}
		s.logger.Error().Err(err).Str("tag_id", tag.TagID).Msg("tag registration failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusCreated, tagView(tag))
}

func tagView(tag model.Tag) tagResponse {
	resp := tagResponse{
		TagID:       tag.TagID,
		IsActive:    tag.IsActive,
		LastScanned: tag.LastScanned,
		Metadata:    tag.Metadata,
	}
	if tag.UserID != nil {
		resp.UserID = *tag.UserID
	}
	return resp
}

type tagDetailResponse struct {
	tagResponse
	Owner       *scanUser   `json:"owner,omitempty"`
	RecentScans []scanEntry `json:"recentScans"`
}

type scanEntry struct {
	ScanID    string    `json:"scanId"`
	DeviceID  string    `json:"deviceId"`
	EventType string    `json:"eventType"`
	Location  string    `json:"location,omitempty"`
	ScanTime  time.Time `json:"scanTime"`
	Status    string    `json:"status"`
}

func scanEntryView(record model.ScanRecord) scanEntry {
	entry := scanEntry{
		ScanID:    record.ID,
		DeviceID:  record.DeviceID,
		EventType: string(record.EventType),
		ScanTime:  record.ScanTime,
		Status:    string(record.Status),
	}
	if record.Location != nil {
		entry.Location = *record.Location
	}
	return entry
}

func (s *Server) handleGetTag(w http.ResponseWriter, r *http.Request) {
	tagID := chi.URLParam(r, "tagId")
	tag, err := s.stores.Tags.GetByTagID(r.Context(), tagID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tag_not_found")
			return
		}
		s.logger.Error().Err(err).Str("tag_id", tagID).Msg("tag lookup failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	resp := tagDetailResponse{tagResponse: tagView(tag), RecentScans: []scanEntry{}}
	if tag.UserID != nil {
		owner, err := s.stores.Users.GetByID(r.Context(), *tag.UserID)
		if err == nil {
			resp.Owner = &scanUser{ID: owner.ID, Name: owner.Name}
		} else if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error().Err(err).Str("tag_id", tagID).Msg("tag owner lookup failed")
			writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}
	}
	records, err := s.stores.Scans.RecentByTag(r.Context(), tagID, 10)
	if err != nil {
		s.logger.Error().Err(err).Str("tag_id", tagID).Msg("recent scans lookup failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	for _, record := range records {
		resp.RecentScans = append(resp.RecentScans, scanEntryView(record))
	}
	writeJSON(w, http.StatusOK, resp)
}

type tagStatusRequest struct {
	IsActive *bool  `json:"isActive"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleUpdateTagStatus(w http.ResponseWriter, r *http.Request) {
	tagID := chi.URLParam(r, "tagId")
	var req tagStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if req.IsActive == nil {
		writeError(w, http.StatusBadRequest, "is_active_required")
		return
	}

	tag, err := s.stores.Tags.GetByTagID(r.Context(), tagID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tag_not_found")
			return
		}
		s.logger.Error().Err(err).Str("tag_id", tagID).Msg("tag lookup failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	now := s.now()
	metadata := make(map[string]string, len(tag.Metadata)+3)
	for k, v := range tag.Metadata {
		metadata[k] = v
	}
	if req.Reason != "" {
		metadata["statusChangeReason"] = req.Reason
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		metadata["statusChangedBy"] = claims.UserID
	}
	metadata["statusChangedAt"] = now.Format(time.RFC3339)

	if err := s.stores.Tags.SetActive(r.Context(), tagID, *req.IsActive, metadata, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tag_not_found")
			return
		}
		s.logger.Error().Err(err).Str("tag_id", tagID).Msg("tag status update failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	tag.IsActive = *req.IsActive
	tag.Metadata = metadata
	writeJSON(w, http.StatusOK, tagView(tag))
}

// handleUnregisteredScans feeds the tag registration UI: failed scans of
// unknown tags in the last minute, minus any tag registered since.
func (s *Server) handleUnregisteredScans(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	records, err := s.stores.Scans.RecentUnregistered(r.Context(), now.Add(-time.Minute), 20)
	if err != nil {
		s.logger.Error().Err(err).Msg("unregistered scans lookup failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	known, err := s.stores.Tags.ListTagIDs(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("tag id listing failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	registered := make(map[string]struct{}, len(known))
	for _, tagID := range known {
		registered[tagID] = struct{}{}
	}

	type unregisteredScan struct {
		TagID    string    `json:"tagId"`
		DeviceID string    `json:"deviceId"`
		Location string    `json:"location,omitempty"`
		ScanTime time.Time `json:"scanTime"`
	}
	scans := []unregisteredScan{}
	for _, record := range records {
		if _, ok := registered[record.TagID]; ok {
			continue
		}
		entry := unregisteredScan{
			TagID:    record.TagID,
			DeviceID: record.DeviceID,
			ScanTime: record.ScanTime,
		}
		if record.Location != nil {
			entry.Location = *record.Location
		}
		scans = append(scans, entry)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scans": scans})
}

func (s *Server) handleCheckRecentScan(w http.ResponseWriter, r *http.Request) {
	tagID := chi.URLParam(r, "tagId")
	record, err := s.stores.Scans.LatestByTagSince(r.Context(), tagID, s.now().Add(-30*time.Second))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"found": false})
			return
		}
		s.logger.Error().Err(err).Str("tag_id", tagID).Msg("recent scan check failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"found": true,
		"scan":  scanEntryView(record),
	})
}

// Devices

type registerDeviceRequest struct {
	MACAddress string `json:"macAddress"`
	Name       string `json:"name"`
	Location   string `json:"location,omitempty"`
}

type deviceResponse struct {
	DeviceID   string     `json:"deviceId"`
	MACAddress string     `json:"macAddress"`
	Name       string     `json:"name"`
	Location   string     `json:"location,omitempty"`
	IsActive   bool       `json:"isActive"`
	Status     string     `json:"status,omitempty"`
	LastSeen   *time.Time `json:"lastSeen,omitempty"`
}

func deviceView(device model.Device) deviceResponse {
	return deviceResponse{
		DeviceID:   device.DeviceID,
		MACAddress: device.MACAddress,
		Name:       device.Name,
		Location:   device.Location,
		IsActive:   device.IsActive,
		LastSeen:   device.LastSeen,
	}
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	deviceID, ok := canonicalDeviceID(req.MACAddress)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_mac_address")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name_required")
		return
	}

	generated, err := auth.GenerateAPIKey()
	if err != nil {
		s.logger.Error().Err(err).Msg("api key generation failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	now := s.now()
	device := model.Device{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		MACAddress: strings.ToUpper(strings.TrimSpace(req.MACAddress)),
		Name:       strings.TrimSpace(req.Name),
		Location:   strings.TrimSpace(req.Location),
		APIKey:     generated.Composite,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	key := model.APIKey{
		ID:          uuid.NewString(),
		Name:        device.Name,
		DeviceID:    device.DeviceID,
		Prefix:      generated.Prefix,
		SecretHash:  generated.SecretHash,
		Permissions: model.NewPermissions(model.PermissionScan),
		Kind:        model.APIKeyKindDevice,
		IsActive:    true,
		Metadata:    map[string]string{"macAddress": device.MACAddress},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		key.CreatedBy = claims.UserID
	}

	if err := s.stores.Registrar.RegisterDevice(r.Context(), device, key); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			writeError(w, http.StatusConflict, "device_exists")
			return
		}
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("device registration failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"device": deviceView(device),
		// Shown exactly once; only the hash is stored.
		"apiKey": generated.Composite,
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.stores.Devices.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("device listing failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	now := s.now()
	views := []deviceResponse{}
	for _, device := range devices {
		view := deviceView(device)
		view.Status = rfid.ComputeOnlineStatus(device, s.cfg.DeviceOnlineWindow, now)
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": views})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	if err := s.stores.Devices.UpdateLastSeen(r.Context(), deviceID, s.now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Heartbeats from unregistered hardware are rejected, not
			// auto-created.
			writeError(w, http.StatusNotFound, "device_not_found")
			return
		}
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("heartbeat failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registrationModeResponse struct {
	RegistrationMode bool   `json:"registrationMode"`
	TagID            string `json:"tagId,omitempty"`
	ScanMode         bool   `json:"scanMode"`
}

func (s *Server) handleGetRegistrationMode(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	device, err := s.stores.Devices.GetByDeviceID(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device_not_found")
			return
		}
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("device lookup failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	now := s.now()
	state := rfid.RegistrationStatus(device, s.cfg.RegistrationModeTTL, now)
	if state.Expired {
		// Clear the lapsed flag so the window cannot reopen. Best-effort:
		// the computed state is already correct for this response.
		if err := s.stores.Devices.SetRegistrationMode(r.Context(), deviceID, false, "", false, now); err != nil {
			s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("registration mode expiry write-back failed")
		}
	}
	writeJSON(w, http.StatusOK, registrationModeResponse{
		RegistrationMode: state.Enabled,
		TagID:            state.TagID,
		ScanMode:         state.ScanMode,
	})
}

type setRegistrationModeRequest struct {
	Enabled bool   `json:"enabled"`
	TagID   string `json:"tagId,omitempty"`
}

func (s *Server) handleSetRegistrationMode(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	var req setRegistrationModeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	// No pinned tag means accept-any-new-tag mode.
	scanMode := req.Enabled && req.TagID == ""
	pendingTagID := ""
	if req.Enabled {
		pendingTagID = req.TagID
	}
	if err := s.stores.Devices.SetRegistrationMode(r.Context(), deviceID, req.Enabled, pendingTagID, scanMode, s.now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device_not_found")
			return
		}
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("registration mode update failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, registrationModeResponse{
		RegistrationMode: req.Enabled,
		TagID:            pendingTagID,
		ScanMode:         scanMode,
	})
}

type deviceStatusRequest struct {
	RegistrationMode *bool  `json:"registrationMode,omitempty"`
	Location         string `json:"location,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// handleDeviceStatus receives firmware-pushed state: location changes and the
// device reporting its registration window closed.
func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	var req deviceStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	now := s.now()
	if err := s.stores.Devices.UpdateLastSeen(r.Context(), deviceID, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device_not_found")
			return
		}
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("status update failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	if req.Location != "" {
		if err := s.stores.Devices.UpdateLocation(r.Context(), deviceID, req.Location, now); err != nil {
			s.logger.Error().Err(err).Str("device_id", deviceID).Msg("location update failed")
			writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}
	}

	if req.RegistrationMode != nil && !*req.RegistrationMode &&
		(req.Reason == "registration_success" || req.Reason == "registration_timeout") {
		if err := s.stores.Devices.SetRegistrationMode(r.Context(), deviceID, false, "", false, now); err != nil {
			s.logger.Error().Err(err).Str("device_id", deviceID).Msg("registration mode clear failed")
			writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helpers

// canonicalDeviceID strips separators from a MAC address and uppercases it.
func canonicalDeviceID(macAddress string) (string, bool) {
	cleaned := strings.ToUpper(strings.TrimSpace(macAddress))
	cleaned = strings.NewReplacer(":", "", "-", "", ".", "").Replace(cleaned)
	if len(cleaned) != 12 {
		return "", false
	}
	for _, c := range cleaned {
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return "", false
		}
	}
	return cleaned, true
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
