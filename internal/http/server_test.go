package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tagsakay/server/internal/auth"
	"tagsakay/server/internal/config"
	"tagsakay/server/internal/model"
	"tagsakay/server/internal/ratelimit"
	"tagsakay/server/internal/repository"
	"tagsakay/server/internal/rfid"
)

type fakeGate struct {
	identity auth.DeviceIdentity
	err      error
}

func (f *fakeGate) Authenticate(_ context.Context, header, _ string) (auth.DeviceIdentity, error) {
	if f.err != nil {
		return auth.DeviceIdentity{}, f.err
	}
	if header == "" {
		return auth.DeviceIdentity{}, auth.ErrCredentialRequired
	}
	return f.identity, nil
}

type fakeProcessor struct {
	result  rfid.ScanResult
	err     error
	origins []rfid.Origin
}

func (f *fakeProcessor) Process(_ context.Context, origin rfid.Origin, req rfid.ScanRequest) (rfid.ScanResult, error) {
	f.origins = append(f.origins, origin)
	if req.TagID == "" {
		return rfid.ScanResult{}, rfid.ErrMissingTagID
	}
	return f.result, f.err
}

type fakeHTTPDeviceStore struct {
	devices    map[string]model.Device
	regMode    []bool
	seen       []string
	locations  map[string]string
	regModeErr error
}

func (f *fakeHTTPDeviceStore) GetByDeviceID(_ context.Context, deviceID string) (model.Device, error) {
	device, ok := f.devices[deviceID]
	if !ok {
		return model.Device{}, repository.ErrNotFound
	}
	return device, nil
}

func (f *fakeHTTPDeviceStore) List(_ context.Context) ([]model.Device, error) {
	var devices []model.Device
	for _, device := range f.devices {
		devices = append(devices, device)
	}
	return devices, nil
}

func (f *fakeHTTPDeviceStore) UpdateLastSeen(_ context.Context, deviceID string, _ time.Time) error {
	if _, ok := f.devices[deviceID]; !ok {
		return repository.ErrNotFound
	}
	f.seen = append(f.seen, deviceID)
	return nil
}

func (f *fakeHTTPDeviceStore) UpdateLocation(_ context.Context, deviceID, location string, _ time.Time) error {
	if f.locations == nil {
		f.locations = map[string]string{}
	}
	f.locations[deviceID] = location
	return nil
}

func (f *fakeHTTPDeviceStore) SetRegistrationMode(_ context.Context, deviceID string, enabled bool, _ string, _ bool, _ time.Time) error {
	if f.regModeErr != nil {
		return f.regModeErr
	}
	if _, ok := f.devices[deviceID]; !ok {
		return repository.ErrNotFound
	}
	f.regMode = append(f.regMode, enabled)
	return nil
}

type fakeHTTPTagStore struct {
	tags      map[string]model.Tag
	created   []model.Tag
	createErr error
	activeSet map[string]bool
}

func (f *fakeHTTPTagStore) Create(_ context.Context, tag model.Tag) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, tag)
	return nil
}

func (f *fakeHTTPTagStore) GetByTagID(_ context.Context, tagID string) (model.Tag, error) {
	tag, ok := f.tags[tagID]
	if !ok {
		return model.Tag{}, repository.ErrNotFound
	}
	return tag, nil
}

func (f *fakeHTTPTagStore) ListTagIDs(_ context.Context) ([]string, error) {
	var ids []string
	for id := range f.tags {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeHTTPTagStore) SetActive(_ context.Context, tagID string, isActive bool, _ map[string]string, _ time.Time) error {
	if _, ok := f.tags[tagID]; !ok {
		return repository.ErrNotFound
	}
	if f.activeSet == nil {
		f.activeSet = map[string]bool{}
	}
	f.activeSet[tagID] = isActive
	return nil
}

type fakeHTTPScanStore struct {
	recent       []model.ScanRecord
	unregistered []model.ScanRecord
	latest       *model.ScanRecord
}

func (f *fakeHTTPScanStore) RecentByTag(_ context.Context, _ string, _ int) ([]model.ScanRecord, error) {
	return f.recent, nil
}

func (f *fakeHTTPScanStore) LatestByTagSince(_ context.Context, _ string, _ time.Time) (model.ScanRecord, error) {
	if f.latest == nil {
		return model.ScanRecord{}, repository.ErrNotFound
	}
	return *f.latest, nil
}

func (f *fakeHTTPScanStore) RecentUnregistered(_ context.Context, _ time.Time, _ int) ([]model.ScanRecord, error) {
	return f.unregistered, nil
}

type fakeHTTPUserStore struct {
	users map[string]model.User
}

func (f *fakeHTTPUserStore) GetByID(_ context.Context, userID string) (model.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return user, nil
}

type fakeRegistrar struct {
	devices []model.Device
	keys    []model.APIKey
	err     error
}

func (f *fakeRegistrar) RegisterDevice(_ context.Context, device model.Device, key model.APIKey) error {
	if f.err != nil {
		return f.err
	}
	f.devices = append(f.devices, device)
	f.keys = append(f.keys, key)
	return nil
}

type serverFixture struct {
	server    *Server
	devices   *fakeHTTPDeviceStore
	tags      *fakeHTTPTagStore
	scans     *fakeHTTPScanStore
	users     *fakeHTTPUserStore
	registrar *fakeRegistrar
	gate      *fakeGate
	processor *fakeProcessor
	cfg       config.Config
}

func newServerFixture() *serverFixture {
	f := &serverFixture{
		devices: &fakeHTTPDeviceStore{devices: map[string]model.Device{}},
		tags:    &fakeHTTPTagStore{tags: map[string]model.Tag{}},
		scans:   &fakeHTTPScanStore{},
		users:     &fakeHTTPUserStore{users: map[string]model.User{}},
		registrar: &fakeRegistrar{},
		gate: &fakeGate{identity: auth.DeviceIdentity{
			DeviceID: "AABBCCDDEEFF",
			Location: "Main Gate",
		}},
		processor: &fakeProcessor{},
		cfg: config.Config{
			JWTSecret:           "test-secret",
			JWTIssuer:           "tagsakay-auth",
			ScanRateLimit:       100,
			ScanRateWindow:      time.Minute,
			RegistrationModeTTL: 2 * time.Minute,
			DeviceOnlineWindow:  15 * time.Minute,
		},
	}
	stores := Stores{
		Devices:   f.devices,
		Tags:      f.tags,
		Scans:     f.scans,
		Users:     f.users,
		Registrar: f.registrar,
	}
	limiter := ratelimit.NewMemoryLimiter(f.cfg.ScanRateLimit, f.cfg.ScanRateWindow)
	f.server = NewServer(f.cfg, stores, f.gate, f.processor, limiter, zerolog.Nop())
	return f
}

func (f *serverFixture) adminToken(t *testing.T) string {
	t.Helper()
	token, err := auth.NewAccessToken(f.cfg.JWTSecret, f.cfg.JWTIssuer, time.Hour, auth.Claims{
		UserID: "admin-1",
		Role:   "admin",
	})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	f := newServerFixture()
	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestScanRequiresCredential(t *testing.T) {
	f := newServerFixture()
	rec := f.do(t, http.MethodPost, "/rfid/scan", map[string]string{"tagId": "T1"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["error"] != "credential_required" {
		t.Fatalf("error %q", resp["error"])
	}
}

func TestScanInactiveDeviceForbidden(t *testing.T) {
	f := newServerFixture()
	f.gate.err = auth.ErrDeviceInactive
	rec := f.do(t, http.MethodPost, "/rfid/scan", map[string]string{"tagId": "T1"},
		map[string]string{"X-API-Key": "ab_cd"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestScanSuccess(t *testing.T) {
	f := newServerFixture()
	location := "Main Gate"
	f.processor.result = rfid.ScanResult{
		Outcome: rfid.OutcomeSuccess,
		Record: model.ScanRecord{
			ID:        "scan-1",
			EventType: model.EventEntry,
			Location:  &location,
			ScanTime:  time.Now(),
			Status:    model.ScanStatusSuccess,
		},
		User: &model.User{ID: "U1", Name: "Juan"},
	}

	rec := f.do(t, http.MethodPost, "/rfid/scan", map[string]string{"tagId": "T1"},
		map[string]string{"X-API-Key": "ab_cd"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp scanResponse
	decodeBody(t, rec, &resp)
	if !resp.Success || resp.Data.ScanID != "scan-1" || resp.Data.EventType != "entry" {
		t.Fatalf("unexpected body: %+v", resp)
	}
	if resp.Data.User == nil || resp.Data.User.ID != "U1" {
		t.Fatalf("user missing: %+v", resp.Data)
	}
	if len(f.processor.origins) != 1 || f.processor.origins[0].DeviceID != "AABBCCDDEEFF" {
		t.Fatalf("origin not taken from authenticated identity: %+v", f.processor.origins)
	}
}

func TestScanOutcomeStatusCodes(t *testing.T) {
	cases := []struct {
		outcome rfid.Outcome
		status  int
		code    string
	}{
		{rfid.OutcomeNotRegistered, http.StatusNotFound, "tag_not_registered"},
		{rfid.OutcomeInactiveTag, http.StatusForbidden, "inactive_tag"},
		{rfid.OutcomeInactiveUser, http.StatusForbidden, "inactive_user_account"},
	}
	for _, tc := range cases {
		f := newServerFixture()
		f.processor.result = rfid.ScanResult{Outcome: tc.outcome}
		rec := f.do(t, http.MethodPost, "/rfid/scan", map[string]string{"tagId": "T1"},
			map[string]string{"X-API-Key": "ab_cd"})
		if rec.Code != tc.status {
			t.Fatalf("outcome %q: status %d, want %d", tc.outcome, rec.Code, tc.status)
		}
		var resp map[string]string
		decodeBody(t, rec, &resp)
		if resp["error"] != tc.code {
			t.Fatalf("outcome %q: error %q", tc.outcome, resp["error"])
		}
	}
}

func TestScanMissingTagID(t *testing.T) {
	f := newServerFixture()
	rec := f.do(t, http.MethodPost, "/rfid/scan", map[string]string{},
		map[string]string{"X-API-Key": "ab_cd"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestScanProcessorFailure(t *testing.T) {
	f := newServerFixture()
	f.processor.err = errors.New("connection refused")
	rec := f.do(t, http.MethodPost, "/rfid/scan", map[string]string{"tagId": "T1"},
		map[string]string{"X-API-Key": "ab_cd"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestScanRateLimited(t *testing.T) {
	f := newServerFixture()
	f.server.limiter = ratelimit.NewMemoryLimiter(1, time.Minute)
	f.processor.result = rfid.ScanResult{Outcome: rfid.OutcomeSuccess}
	headers := map[string]string{"X-API-Key": "ab_cd"}

	if rec := f.do(t, http.MethodPost, "/rfid/scan", map[string]string{"tagId": "T1"}, headers); rec.Code != http.StatusOK {
		t.Fatalf("first request status %d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/rfid/scan", map[string]string{"tagId": "T1"}, headers)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("limit header %q", rec.Header().Get("X-RateLimit-Limit"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining header %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatalf("reset header missing")
	}
}

func TestAdminEndpointsRejectMissingToken(t *testing.T) {
	f := newServerFixture()
	rec := f.do(t, http.MethodGet, "/devices", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestAdminEndpointsRejectNonAdmin(t *testing.T) {
	f := newServerFixture()
	token, err := auth.NewAccessToken(f.cfg.JWTSecret, f.cfg.JWTIssuer, time.Hour, auth.Claims{
		UserID: "u1",
		Role:   "driver",
	})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	rec := f.do(t, http.MethodGet, "/devices", nil, map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestRegisterDevice(t *testing.T) {
	f := newServerFixture()
	rec := f.do(t, http.MethodPost, "/devices/register", map[string]string{
		"macAddress": "aa:bb:cc:dd:ee:ff",
		"name":       "Gate Reader",
		"location":   "Main Gate",
	}, map[string]string{"Authorization": "Bearer " + f.adminToken(t)})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Device deviceResponse `json:"device"`
		APIKey string         `json:"apiKey"`
	}
	decodeBody(t, rec, &resp)
	if resp.Device.DeviceID != "AABBCCDDEEFF" {
		t.Fatalf("device id %q", resp.Device.DeviceID)
	}
	if resp.APIKey == "" || !bytes.ContainsRune([]byte(resp.APIKey), '_') {
		t.Fatalf("one-time key missing: %q", resp.APIKey)
	}
	if len(f.registrar.keys) != 1 {
		t.Fatalf("credential row not created")
	}
	key := f.registrar.keys[0]
	if key.SecretHash == "" || bytes.Contains([]byte(key.SecretHash), []byte("_")) {
		t.Fatalf("stored credential must be a digest, got %q", key.SecretHash)
	}
	if key.Kind != model.APIKeyKindDevice || !key.Permissions.Has(model.PermissionScan) {
		t.Fatalf("unexpected credential: %+v", key)
	}
}

func TestRegisterDeviceInvalidMAC(t *testing.T) {
	f := newServerFixture()
	rec := f.do(t, http.MethodPost, "/devices/register", map[string]string{
		"macAddress": "not-a-mac",
		"name":       "Gate Reader",
	}, map[string]string{"Authorization": "Bearer " + f.adminToken(t)})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestRegisterDeviceConflict(t *testing.T) {
	f := newServerFixture()
	f.registrar.err = repository.ErrConflict
	rec := f.do(t, http.MethodPost, "/devices/register", map[string]string{
		"macAddress": "AA:BB:CC:DD:EE:FF",
		"name":       "Gate Reader",
	}, map[string]string{"Authorization": "Bearer " + f.adminToken(t)})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestListDevicesOnlineStatus(t *testing.T) {
	f := newServerFixture()
	recent := time.Now().Add(-5 * time.Minute)
	stale := time.Now().Add(-20 * time.Minute)
	f.devices.devices["DEV1"] = model.Device{DeviceID: "DEV1", LastSeen: &recent}
	f.devices.devices["DEV2"] = model.Device{DeviceID: "DEV2", LastSeen: &stale}

	rec := f.do(t, http.MethodGet, "/devices", nil, map[string]string{"Authorization": "Bearer " + f.adminToken(t)})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp struct {
		Devices []deviceResponse `json:"devices"`
	}
	decodeBody(t, rec, &resp)
	statuses := map[string]string{}
	for _, device := range resp.Devices {
		statuses[device.DeviceID] = device.Status
	}
	if statuses["DEV1"] != "online" || statuses["DEV2"] != "offline" {
		t.Fatalf("statuses %v", statuses)
	}
}

func TestHeartbeatUnknownDevice(t *testing.T) {
	f := newServerFixture()
	rec := f.do(t, http.MethodPost, "/devices/GHOST/heartbeat", nil,
		map[string]string{"X-API-Key": "ab_cd"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestHeartbeatStampsLastSeen(t *testing.T) {
	f := newServerFixture()
	f.devices.devices["DEV1"] = model.Device{DeviceID: "DEV1"}
	rec := f.do(t, http.MethodPost, "/devices/DEV1/heartbeat", nil,
		map[string]string{"X-API-Key": "ab_cd"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if len(f.devices.seen) != 1 || f.devices.seen[0] != "DEV1" {
		t.Fatalf("lastSeen not stamped: %v", f.devices.seen)
	}
}

func TestGetRegistrationModeExpires(t *testing.T) {
	f := newServerFixture()
	setAt := time.Now().Add(-(2*time.Minute + time.Second))
	f.devices.devices["DEV1"] = model.Device{
		DeviceID:                 "DEV1",
		RegistrationMode:         true,
		RegistrationModeSetAt:    &setAt,
		PendingRegistrationTagID: "T1",
		ScanMode:                 true,
	}

	rec := f.do(t, http.MethodGet, "/devices/registration-mode/DEV1", nil,
		map[string]string{"X-API-Key": "ab_cd"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp registrationModeResponse
	decodeBody(t, rec, &resp)
	if resp.RegistrationMode || resp.TagID != "" || resp.ScanMode {
		t.Fatalf("lapsed window reported as open: %+v", resp)
	}
	if len(f.devices.regMode) != 1 || f.devices.regMode[0] {
		t.Fatalf("expiry not written back: %v", f.devices.regMode)
	}
}

func TestGetRegistrationModeActive(t *testing.T) {
	f := newServerFixture()
	setAt := time.Now().Add(-30 * time.Second)
	f.devices.devices["DEV1"] = model.Device{
		DeviceID:                 "DEV1",
		RegistrationMode:         true,
		RegistrationModeSetAt:    &setAt,
		PendingRegistrationTagID: "T1",
	}

	rec := f.do(t, http.MethodGet, "/devices/registration-mode/DEV1", nil,
		map[string]string{"X-API-Key": "ab_cd"})
	var resp registrationModeResponse
	decodeBody(t, rec, &resp)
	if !resp.RegistrationMode || resp.TagID != "T1" {
		t.Fatalf("open window misreported: %+v", resp)
	}
	if len(f.devices.regMode) != 0 {
		t.Fatalf("open window must not be rewritten")
	}
}

func TestSetRegistrationModeWithoutTagEnablesScanMode(t *testing.T) {
	f := newServerFixture()
	f.devices.devices["DEV1"] = model.Device{DeviceID: "DEV1"}
	rec := f.do(t, http.MethodPost, "/devices/DEV1/registration-mode",
		map[string]interface{}{"enabled": true},
		map[string]string{"Authorization": "Bearer " + f.adminToken(t)})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp registrationModeResponse
	decodeBody(t, rec, &resp)
	if !resp.RegistrationMode || !resp.ScanMode || resp.TagID != "" {
		t.Fatalf("accept-any mode not enabled: %+v", resp)
	}
}

func TestDeviceStatusClearsRegistrationMode(t *testing.T) {
	f := newServerFixture()
	f.devices.devices["DEV1"] = model.Device{DeviceID: "DEV1", RegistrationMode: true}
	rec := f.do(t, http.MethodPost, "/devices/status/DEV1",
		map[string]interface{}{"registrationMode": false, "reason": "registration_success"},
		map[string]string{"X-API-Key": "ab_cd"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if len(f.devices.regMode) != 1 || f.devices.regMode[0] {
		t.Fatalf("registration mode not cleared: %v", f.devices.regMode)
	}
	if len(f.devices.seen) != 1 {
		t.Fatalf("lastSeen not stamped")
	}
}

func TestDeviceStatusUpdatesLocation(t *testing.T) {
	f := newServerFixture()
	f.devices.devices["DEV1"] = model.Device{DeviceID: "DEV1"}
	rec := f.do(t, http.MethodPost, "/devices/status/DEV1",
		map[string]interface{}{"location": "North Gate"},
		map[string]string{"X-API-Key": "ab_cd"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if f.devices.locations["DEV1"] != "North Gate" {
		t.Fatalf("location not updated: %v", f.devices.locations)
	}
}

func TestRegisterTagConflict(t *testing.T) {
	f := newServerFixture()
	f.tags.createErr = repository.ErrConflict
	rec := f.do(t, http.MethodPost, "/rfid/register",
		map[string]string{"tagId": "T1"},
		map[string]string{"Authorization": "Bearer " + f.adminToken(t)})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestRegisterTagRecordsAdmin(t *testing.T) {
	f := newServerFixture()
	rec := f.do(t, http.MethodPost, "/rfid/register",
		map[string]string{"tagId": "T1", "userId": "U1"},
		map[string]string{"Authorization": "Bearer " + f.adminToken(t)})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.tags.created) != 1 {
		t.Fatalf("tag not created")
	}
	tag := f.tags.created[0]
	if tag.RegisteredBy != "admin-1" {
		t.Fatalf("registrar %q", tag.RegisteredBy)
	}
	if tag.UserID == nil || *tag.UserID != "U1" {
		t.Fatalf("owner %v", tag.UserID)
	}
}

func TestGetTagWithOwnerAndHistory(t *testing.T) {
	f := newServerFixture()
	userID := "U1"
	f.tags.tags["T1"] = model.Tag{TagID: "T1", UserID: &userID, IsActive: true}
	f.users.users["U1"] = model.User{ID: "U1", Name: "Juan", IsActive: true}
	location := "Main Gate"
	f.scans.recent = []model.ScanRecord{{ID: "s1", DeviceID: "DEV1", EventType: model.EventEntry, Location: &location, Status: model.ScanStatusSuccess}}

	rec := f.do(t, http.MethodGet, "/rfid/T1", nil, map[string]string{"Authorization": "Bearer " + f.adminToken(t)})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp tagDetailResponse
	decodeBody(t, rec, &resp)
	if resp.Owner == nil || resp.Owner.Name != "Juan" {
		t.Fatalf("owner missing: %+v", resp)
	}
	if len(resp.RecentScans) != 1 || resp.RecentScans[0].ScanID != "s1" {
		t.Fatalf("history missing: %+v", resp.RecentScans)
	}
}

func TestUpdateTagStatusAuditTrail(t *testing.T) {
	f := newServerFixture()
	f.tags.tags["T1"] = model.Tag{TagID: "T1", IsActive: true}
	isActive := false
	rec := f.do(t, http.MethodPut, "/rfid/T1/status",
		map[string]interface{}{"isActive": isActive, "reason": "reported lost"},
		map[string]string{"Authorization": "Bearer " + f.adminToken(t)})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if active, ok := f.tags.activeSet["T1"]; !ok || active {
		t.Fatalf("tag not deactivated: %v", f.tags.activeSet)
	}
	var resp tagResponse
	decodeBody(t, rec, &resp)
	if resp.Metadata["statusChangeReason"] != "reported lost" {
		t.Fatalf("reason not recorded: %v", resp.Metadata)
	}
	if resp.Metadata["statusChangedBy"] != "admin-1" {
		t.Fatalf("actor not recorded: %v", resp.Metadata)
	}
}

func TestUnregisteredScansFiltersRegistered(t *testing.T) {
	f := newServerFixture()
	f.tags.tags["KNOWN"] = model.Tag{TagID: "KNOWN"}
	now := time.Now()
	f.scans.unregistered = []model.ScanRecord{
		{TagID: "KNOWN", DeviceID: "DEV1", ScanTime: now},
		{TagID: "NEW1", DeviceID: "DEV1", ScanTime: now},
	}

	rec := f.do(t, http.MethodGet, "/rfid/scans/unregistered", nil,
		map[string]string{"Authorization": "Bearer " + f.adminToken(t)})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp struct {
		Scans []struct {
			TagID string `json:"tagId"`
		} `json:"scans"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Scans) != 1 || resp.Scans[0].TagID != "NEW1" {
		t.Fatalf("filtering wrong: %+v", resp.Scans)
	}
}

func TestCheckRecentScan(t *testing.T) {
	f := newServerFixture()
	rec := f.do(t, http.MethodGet, "/rfid/check-recent-scan/T1", nil,
		map[string]string{"Authorization": "Bearer " + f.adminToken(t)})
	var resp struct {
		Found bool `json:"found"`
	}
	decodeBody(t, rec, &resp)
	if resp.Found {
		t.Fatalf("no scans yet, found=true")
	}

	f.scans.latest = &model.ScanRecord{ID: "s1", TagID: "T1", ScanTime: time.Now()}
	rec = f.do(t, http.MethodGet, "/rfid/check-recent-scan/T1", nil,
		map[string]string{"Authorization": "Bearer " + f.adminToken(t)})
	decodeBody(t, rec, &resp)
	if !resp.Found {
		t.Fatalf("recent scan not reported")
	}
}
