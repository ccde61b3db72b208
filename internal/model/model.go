package model

import "time"

// Scan ledger enums. Rows are append-only; values mirror the device firmware
// contract and must not be renamed.
type ScanStatus string

const (
	ScanStatusSuccess      ScanStatus = "success"
	ScanStatusFailed       ScanStatus = "failed"
	ScanStatusUnauthorized ScanStatus = "unauthorized"
)

type EventType string

const (
	EventEntry   EventType = "entry"
	EventExit    EventType = "exit"
	EventUnknown EventType = "unknown"
)

type User struct {
	ID        string
	Name      string
	Email     string
	Role      string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Device struct {
	ID         string
	DeviceID   string // MAC without separators, uppercase
	MACAddress string // display form, with colons
	Name       string
	Location   string
	// Composite key ("prefix_secret") issued at registration. Legacy direct
	// match path; new credentials live in api_keys.
	APIKey                   string
	IsActive                 bool
	RegistrationMode         bool
	RegistrationModeSetAt    *time.Time
	PendingRegistrationTagID string
	ScanMode                 bool
	LastSeen                 *time.Time
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

type Tag struct {
	ID           string
	TagID        string
	UserID       *string
	IsActive     bool
	LastScanned  *time.Time
	LastDeviceID *string
	RegisteredBy string
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ScanRecord is one ledger row. TagID is a plain string, not a foreign key:
// scans of unknown tags are recorded too.
type ScanRecord struct {
	ID        string
	TagID     string
	DeviceID  string
	UserID    *string
	EventType EventType
	Location  *string
	VehicleID *string
	ScanTime  time.Time
	Status    ScanStatus
	Metadata  map[string]string
}

type APIKeyKind string

const (
	APIKeyKindDevice  APIKeyKind = "device"
	APIKeyKindService APIKeyKind = "service"
)

type APIKey struct {
	ID          string
	Name        string
	DeviceID    string
	Description string
	SecretHash  string // sha256 hex digest, never the secret itself
	Prefix      string
	Permissions Permissions
	Kind        APIKeyKind
	IsActive    bool
	LastUsedAt  *time.Time
	CreatedBy   string
	Metadata    map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MACAddress returns the credential's associated hardware address, if the key
// was created with one. Legacy keys carry it only in metadata.
func (k *APIKey) MACAddress() string {
	if k.Metadata == nil {
		return ""
	}
	return k.Metadata["macAddress"]
}
