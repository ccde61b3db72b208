package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tagsakay/server/internal/model"
	"tagsakay/server/internal/repository"
)

var (
	ErrCredentialRequired = errors.New("credential required")
	ErrUnknownCredential  = errors.New("unknown credential")
	ErrDeviceInactive     = errors.New("device inactive")
	ErrPermissionDenied   = errors.New("insufficient permission")
)

// DeviceIdentity is the authenticated caller of a device endpoint. Synthetic
// identities come from legacy credentials that were never linked to a device
// registry row; they can scan but never create registry state.
type DeviceIdentity struct {
	DeviceID    string
	Name        string
	Location    string
	APIKeyID    string
	Permissions model.Permissions
	Synthetic   bool
}

// DirectDeviceStore is the registry lookup used by the direct-match path.
type DirectDeviceStore interface {
	GetByAPIKey(ctx context.Context, apiKey string) (model.Device, error)
	GetByDeviceID(ctx context.Context, deviceID string) (model.Device, error)
	GetByMACAddress(ctx context.Context, macAddress string) (model.Device, error)
}

// CredentialStore is the api_keys surface the gate needs.
type CredentialStore interface {
	GetByPrefixAndHash(ctx context.Context, prefix, secretHash string) (model.APIKey, error)
	TouchLastUsed(ctx context.Context, keyID string, usedAt time.Time) error
	UpdatePermissions(ctx context.Context, keyID string, permissions model.Permissions, now time.Time) error
}

// DeviceResolver is one authentication path. Resolvers are tried in order;
// ok=false means "not mine, try the next one", an error is terminal.
type DeviceResolver interface {
	ResolveDevice(ctx context.Context, composite, prefix, secret string) (DeviceIdentity, bool, error)
}

// DeviceGate validates inbound device credentials and enforces permission
// scopes before a request reaches a handler.
type DeviceGate struct {
	resolvers []DeviceResolver
	logger    zerolog.Logger
}

func NewDeviceGate(devices DirectDeviceStore, keys CredentialStore, logger zerolog.Logger) *DeviceGate {
	gateLogger := logger.With().Str("component", "device_gate").Logger()
	return &DeviceGate{
		resolvers: []DeviceResolver{
			&directKeyResolver{devices: devices},
			&credentialResolver{keys: keys, devices: devices, logger: gateLogger},
		},
		logger: gateLogger,
	}
}

// Authenticate resolves the X-API-Key header to a device identity holding the
// given permission.
func (g *DeviceGate) Authenticate(ctx context.Context, header, permission string) (DeviceIdentity, error) {
	if header == "" {
		return DeviceIdentity{}, ErrCredentialRequired
	}
	prefix, secret, err := SplitAPIKey(header)
	if err != nil {
		return DeviceIdentity{}, err
	}
	for _, resolver := range g.resolvers {
		identity, ok, err := resolver.ResolveDevice(ctx, header, prefix, secret)
		if err != nil {
			if errors.Is(err, ErrDeviceInactive) {
				return DeviceIdentity{}, err
			}
			return DeviceIdentity{}, fmt.Errorf("resolve device: %w", err)
		}
		if !ok {
			continue
		}
		if !identity.Permissions.Has(permission) {
			g.logger.Warn().
				Str("device_id", identity.DeviceID).
				Str("permission", permission).
				Msg("device credential lacks permission")
			return DeviceIdentity{}, ErrPermissionDenied
		}
		return identity, nil
	}
	g.logger.Warn().Str("prefix", prefix).Msg("device authentication failed")
	return DeviceIdentity{}, ErrUnknownCredential
}

// directKeyResolver matches the composite key stored on the device row at
// registration time.
type directKeyResolver struct {
	devices DirectDeviceStore
}

func (r *directKeyResolver) ResolveDevice(ctx context.Context, composite, prefix, secret string) (DeviceIdentity, bool, error) {
	device, err := r.devices.GetByAPIKey(ctx, composite)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return DeviceIdentity{}, false, nil
		}
		return DeviceIdentity{}, false, err
	}
	if !device.IsActive {
		return DeviceIdentity{}, false, ErrDeviceInactive
	}
	return DeviceIdentity{
		DeviceID: device.DeviceID,
		Name:     device.Name,
		Location: device.Location,
		// Keys issued to the device itself carry both scopes.
		Permissions: model.NewPermissions(model.PermissionScan, model.PermissionManage),
	}, true, nil
}

// credentialResolver authenticates through the credential store, then chases
// the credential back to a registry row, falling through to a synthetic
// identity for legacy keys.
type credentialResolver struct {
	keys    CredentialStore
	devices DirectDeviceStore
	logger  zerolog.Logger
}

func (r *credentialResolver) ResolveDevice(ctx context.Context, composite, prefix, secret string) (DeviceIdentity, bool, error) {
	key, err := r.keys.GetByPrefixAndHash(ctx, prefix, HashSecret(secret))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return DeviceIdentity{}, false, nil
		}
		return DeviceIdentity{}, false, err
	}

	permissions := r.healPermissions(ctx, &key)

	now := time.Now().UTC()
	if err := r.keys.TouchLastUsed(ctx, key.ID, now); err != nil {
		// Usage stamping never fails the request.
		r.logger.Warn().Err(err).Str("api_key_id", key.ID).Msg("touch last used failed")
	}

	identity := DeviceIdentity{
		DeviceID:    key.DeviceID,
		Name:        key.Name,
		APIKeyID:    key.ID,
		Permissions: permissions,
		Synthetic:   true,
	}

	device, err := r.lookupDevice(ctx, key)
	if err != nil {
		return DeviceIdentity{}, false, err
	}
	if device != nil {
		if !device.IsActive {
			return DeviceIdentity{}, false, ErrDeviceInactive
		}
		identity.DeviceID = device.DeviceID
		identity.Name = device.Name
		identity.Location = device.Location
		identity.Synthetic = false
	}
	return identity, true, nil
}

func (r *credentialResolver) lookupDevice(ctx context.Context, key model.APIKey) (*model.Device, error) {
	if key.DeviceID != "" {
		device, err := r.devices.GetByDeviceID(ctx, key.DeviceID)
		if err == nil {
			return &device, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	if mac := key.MACAddress(); mac != "" {
		device, err := r.devices.GetByMACAddress(ctx, mac)
		if err == nil {
			return &device, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// healPermissions normalizes the stored set and grants the baseline scan
// permission to device-kind credentials that predate it. Corrections are
// written back best-effort so the stored set converges instead of flapping.
func (r *credentialResolver) healPermissions(ctx context.Context, key *model.APIKey) model.Permissions {
	permissions := model.NewPermissions(key.Permissions...)
	if key.Kind == model.APIKeyKindDevice && !permissions.Has(model.PermissionScan) {
		permissions = permissions.With(model.PermissionScan)
	}
	if !key.Permissions.Normalized() || len(permissions) != len(key.Permissions) {
		if err := r.keys.UpdatePermissions(ctx, key.ID, permissions, time.Now().UTC()); err != nil {
			r.logger.Warn().Err(err).Str("api_key_id", key.ID).Msg("permission write-back failed")
		}
	}
	return permissions
}
