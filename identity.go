package beacon

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// TemporaryDeviceID is the sentinel id used while the SDK waits for a real identity.
const TemporaryDeviceID = "CLYTemporaryDeviceID"

// IdentityType classifies where a device id came from.
type IdentityType int

const (
	// IdentityAnonymous is an id generated by the SDK.
	IdentityAnonymous IdentityType = iota
	// IdentityDeveloperSupplied is an id provided by the host application.
	IdentityDeveloperSupplied
	// IdentityTemporary withholds all traffic until a real id is set.
	IdentityTemporary
	// IdentityLegacyAdvertising is an advertising id type written by schema version 0.
	IdentityLegacyAdvertising
)

// String returns a readable name of the type.
func (t IdentityType) String() string {
	switch t {
	case IdentityAnonymous:
		return "anonymous"
	case IdentityDeveloperSupplied:
		return "developer_supplied"
	case IdentityTemporary:
		return "temporary"
	case IdentityLegacyAdvertising:
		return "legacy_advertising"
	default:
		return fmt.Sprintf("identity_type(%d)", int(t))
	}
}

// DeviceIdentity is the persisted device identity record.
type DeviceIdentity struct {
	ID            string       `cbor:"1,keyasint"`
	Type          IdentityType `cbor:"2,keyasint"`
	SchemaVersion int          `cbor:"3,keyasint,omitempty"`
}

// IsTemporary reports whether deliveries must be withheld for this identity.
func (d DeviceIdentity) IsTemporary() bool {
	return d.Type == IdentityTemporary || d.ID == TemporaryDeviceID
}

// Validate checks the record invariants.
func (d DeviceIdentity) Validate() error {
	if d.ID == "" {
		return ErrEmptyDeviceID
	}
	if d.Type == IdentityTemporary && d.ID != TemporaryDeviceID {
		return ErrInvalidTemporaryID
	}

	return nil
}

// IdentitySource exposes the current device identity.
type IdentitySource interface {
	// Current returns the resolved identity, false when none exists yet.
	Current() (DeviceIdentity, bool)
}

// IdentityStore caches and persists the device identity record.
type IdentityStore struct {
	storage Storage
	key     string

	mu       sync.RWMutex
	current  DeviceIdentity
	resolved bool
}

var _ IdentitySource = (*IdentityStore)(nil)

// OpenIdentityStore loads the persisted identity.
// Records that violate the invariants are ignored until a valid record is set;
// run the Migrator first so legacy records are upgraded.
func OpenIdentityStore(ctx context.Context, storage Storage) (*IdentityStore, error) {
	if storage == nil {
		return nil, ErrStorageRequired
	}

	s := &IdentityStore{storage: storage, key: IdentityKey}
	record, ok, err := loadIdentityRecord(ctx, storage, s.key)
	if err != nil {
		return nil, err
	}
	if ok && record.Validate() == nil {
		s.current = record
		s.resolved = true
	}

	return s, nil
}

// Current implements IdentitySource.
func (s *IdentityStore) Current() (DeviceIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current, s.resolved
}

// Set validates, persists and caches identity.
func (s *IdentityStore) Set(ctx context.Context, identity DeviceIdentity) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if identity.SchemaVersion == 0 {
		identity.SchemaVersion = LatestSchemaVersion
	}
	if err := saveIdentityRecord(ctx, s.storage, s.key, identity); err != nil {
		return err
	}
	s.current = identity
	s.resolved = true

	return nil
}

func loadIdentityRecord(ctx context.Context, storage Storage, key string) (DeviceIdentity, bool, error) {
	data, err := storage.Load(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return DeviceIdentity{}, false, nil
		}

		return DeviceIdentity{}, false, fmt.Errorf("beacon identity: load failed: %w", err)
	}
	if len(data) == 0 {
		return DeviceIdentity{}, false, nil
	}

	var record DeviceIdentity
	if err := unmarshalRecord(data, &record); err != nil {
		return DeviceIdentity{}, false, fmt.Errorf("beacon identity: decode failed: %w", err)
	}

	return record, true, nil
}

func saveIdentityRecord(ctx context.Context, storage Storage, key string, record DeviceIdentity) error {
	data, err := marshalRecord(record)
	if err != nil {
		return fmt.Errorf("beacon identity: encode failed: %w", err)
	}
	if err := storage.Save(ctx, key, data); err != nil {
		return fmt.Errorf("beacon identity: save failed: %w", err)
	}

	return nil
}
