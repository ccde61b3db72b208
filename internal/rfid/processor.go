package rfid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tagsakay/server/internal/model"
	"tagsakay/server/internal/repository"
)

// ErrMissingTagID rejects a scan body with no tag identifier. This is the
// only scan failure that does not produce a ledger row.
var ErrMissingTagID = errors.New("tag id required")

// Outcome classifies a processed scan. Every outcome except a validation
// failure has exactly one ledger row behind it.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeNotRegistered Outcome = "not_registered"
	OutcomeInactiveTag   Outcome = "inactive_tag"
	OutcomeInactiveUser  Outcome = "inactive_user"
)

// Reason strings stored in ledger metadata. The registration UI queries the
// ledger by these values, so they are part of the data contract.
const (
	ReasonNotRegistered = "Tag not registered"
	ReasonInactiveTag   = "Inactive tag"
	ReasonInactiveUser  = "Inactive user account"
)

// Origin is the authenticated device a scan arrived from.
type Origin struct {
	DeviceID string
	Location string
}

// ScanRequest is the body of a scan submission.
type ScanRequest struct {
	TagID     string
	Location  string
	VehicleID string
	Metadata  map[string]string
}

// ScanResult is the processed outcome handed back to the transport layer.
// User is populated only when the tag has a resolvable owner.
type ScanResult struct {
	Outcome Outcome
	Record  model.ScanRecord
	User    *model.User
}

type TagStore interface {
	GetByTagID(ctx context.Context, tagID string) (model.Tag, error)
	MarkScanned(ctx context.Context, tagID, deviceID string, when time.Time) error
}

type UserStore interface {
	GetByID(ctx context.Context, userID string) (model.User, error)
}

type ScanStore interface {
	Create(ctx context.Context, record model.ScanRecord) error
	LatestByUser(ctx context.Context, userID string) (model.ScanRecord, error)
}

type DeviceStore interface {
	GetByDeviceID(ctx context.Context, deviceID string) (model.Device, error)
	UpdateLastSeen(ctx context.Context, deviceID string, seenAt time.Time) error
	BindPendingTag(ctx context.Context, deviceID, tagID string, now time.Time) error
}

// Processor orchestrates scan ingestion: tag and owner checks, entry/exit
// inference, the ledger write, and registry side effects. It holds no state
// of its own.
type Processor struct {
	tags            TagStore
	users           UserStore
	scans           ScanStore
	devices         DeviceStore
	registrationTTL time.Duration
	logger          zerolog.Logger
	now             func() time.Time
}

func NewProcessor(tags TagStore, users UserStore, scans ScanStore, devices DeviceStore, registrationTTL time.Duration, logger zerolog.Logger) *Processor {
	return &Processor{
		tags:            tags,
		users:           users,
		scans:           scans,
		devices:         devices,
		registrationTTL: registrationTTL,
		logger:          logger.With().Str("component", "scan_processor").Logger(),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Process runs one scan through the pipeline. Business failures (unknown tag,
// inactive tag, inactive owner) come back as outcomes, not errors; an error
// return means infrastructure trouble and no guarantee about ledger state.
//
// The ledger write comes first on every path. Registry updates after it are
// best-effort: the scan already happened, so the device must not be told to
// retry, and any inconsistency is logged for reconciliation instead.
func (p *Processor) Process(ctx context.Context, origin Origin, req ScanRequest) (ScanResult, error) {
	if req.TagID == "" {
		return ScanResult{}, ErrMissingTagID
	}

	now := p.now()
	location := req.Location
	if location == "" {
		location = origin.Location
	}
	if location == "" {
		location = "Unknown"
	}

	tag, err := p.tags.GetByTagID(ctx, req.TagID)
	if errors.Is(err, repository.ErrNotFound) {
		return p.recordRejection(ctx, origin, req, now, location, model.ScanStatusFailed, ReasonNotRegistered, OutcomeNotRegistered, nil)
	}
	if err != nil {
		return ScanResult{}, fmt.Errorf("look up tag: %w", err)
	}

	if !tag.IsActive {
		return p.recordRejection(ctx, origin, req, now, location, model.ScanStatusUnauthorized, ReasonInactiveTag, OutcomeInactiveTag, nil)
	}

	var user *model.User
	if tag.UserID != nil {
		owner, err := p.users.GetByID(ctx, *tag.UserID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			// Owner row gone; treat as unowned and fall through to an
			// unknown event.
		case err != nil:
			return ScanResult{}, fmt.Errorf("look up tag owner: %w", err)
		case !owner.IsActive:
			return p.recordRejection(ctx, origin, req, now, location, model.ScanStatusUnauthorized, ReasonInactiveUser, OutcomeInactiveUser, &owner)
		default:
			user = &owner
		}
	}

	eventType := model.EventUnknown
	if user != nil {
		prior, err := p.latestFor(ctx, user.ID)
		if err != nil {
			return ScanResult{}, fmt.Errorf("load scan history: %w", err)
		}
		eventType = InferEventType(prior, location)
	}

	record := p.newRecord(origin, req, now, location)
	record.Status = model.ScanStatusSuccess
	record.EventType = eventType
	if user != nil {
		record.UserID = &user.ID
	}
	if err := p.scans.Create(ctx, record); err != nil {
		return ScanResult{}, fmt.Errorf("write scan ledger: %w", err)
	}

	if err := p.tags.MarkScanned(ctx, tag.TagID, origin.DeviceID, now); err != nil {
		p.logger.Error().Err(err).
			Str("tag_id", tag.TagID).
			Str("scan_id", record.ID).
			Msg("tag registry update failed after ledger write")
	}
	p.touchDevice(ctx, origin.DeviceID, now)

	return ScanResult{Outcome: OutcomeSuccess, Record: record, User: user}, nil
}

// recordRejection writes the single ledger row for a rejected scan, then runs
// the same best-effort device bookkeeping as the success path. Unknown tags
// additionally get offered to the device's registration window when one is
// open.
func (p *Processor) recordRejection(ctx context.Context, origin Origin, req ScanRequest, now time.Time, location string, status model.ScanStatus, reason string, outcome Outcome, user *model.User) (ScanResult, error) {
	record := p.newRecord(origin, req, now, location)
	record.Status = status
	record.EventType = model.EventUnknown
	if record.Metadata == nil {
		record.Metadata = map[string]string{}
	}
	record.Metadata["reason"] = reason
	if user != nil {
		record.UserID = &user.ID
	}
	if err := p.scans.Create(ctx, record); err != nil {
		return ScanResult{}, fmt.Errorf("write scan ledger: %w", err)
	}

	if outcome == OutcomeNotRegistered {
		p.offerForRegistration(ctx, origin.DeviceID, req.TagID, now)
	}
	p.touchDevice(ctx, origin.DeviceID, now)

	return ScanResult{Outcome: outcome, Record: record, User: user}, nil
}

func (p *Processor) newRecord(origin Origin, req ScanRequest, now time.Time, location string) model.ScanRecord {
	record := model.ScanRecord{
		ID:       uuid.NewString(),
		TagID:    req.TagID,
		DeviceID: origin.DeviceID,
		Location: &location,
		ScanTime: now,
	}
	if req.VehicleID != "" {
		vehicleID := req.VehicleID
		record.VehicleID = &vehicleID
	}
	if len(req.Metadata) > 0 {
		record.Metadata = make(map[string]string, len(req.Metadata)+1)
		for k, v := range req.Metadata {
			record.Metadata[k] = v
		}
	}
	return record
}

func (p *Processor) latestFor(ctx context.Context, userID string) (*model.ScanRecord, error) {
	prior, err := p.scans.LatestByUser(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &prior, nil
}

// offerForRegistration binds an unknown tag to the scanning device when it is
// waiting in accept-any-tag mode. Devices pinned to a specific pending tag
// keep it.
func (p *Processor) offerForRegistration(ctx context.Context, deviceID, tagID string, now time.Time) {
	device, err := p.devices.GetByDeviceID(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			p.logger.Warn().Err(err).Str("device_id", deviceID).Msg("device lookup failed during registration offer")
		}
		return
	}
	state := RegistrationStatus(device, p.registrationTTL, now)
	if !state.Enabled || !state.ScanMode {
		return
	}
	if err := p.devices.BindPendingTag(ctx, deviceID, tagID, now); err != nil {
		p.logger.Warn().Err(err).
			Str("device_id", deviceID).
			Str("tag_id", tagID).
			Msg("pending tag bind failed")
	}
}

// touchDevice stamps lastSeen for the scanning device. Synthetic identities
// have no registry row; their NotFound is expected and ignored.
func (p *Processor) touchDevice(ctx context.Context, deviceID string, now time.Time) {
	if err := p.devices.UpdateLastSeen(ctx, deviceID, now); err != nil && !errors.Is(err, repository.ErrNotFound) {
		p.logger.Warn().Err(err).Str("device_id", deviceID).Msg("last seen update failed")
	}
}
