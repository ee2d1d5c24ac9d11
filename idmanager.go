package beacon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SessionLifecycle lets the IdentityManager restart the running session
// around an identity change.
type SessionLifecycle interface {
	// EndCurrent ends the running session addressed to overrideID and
	// reports whether one was running.
	EndCurrent(ctx context.Context, overrideID string) (bool, error)
	// BeginNew begins a session under the current identity.
	BeginNew(ctx context.Context) error
}

// IdentityManagerConfig wires the IdentityManager collaborators.
type IdentityManagerConfig struct {
	Sessions SessionLifecycle
	// Resume is called when delivery may continue, typically Worker.Tick.
	Resume func()
	Logger Logger
	IDGen  func() string
}

// IdentityManager owns device identity transitions.
type IdentityManager struct {
	store    *IdentityStore
	queue    *Queue
	composer *Composer
	cfg      IdentityManagerConfig

	mu sync.Mutex
}

var _ IdentitySource = (*IdentityManager)(nil)

// NewIdentityManager constructs an IdentityManager.
func NewIdentityManager(store *IdentityStore, queue *Queue, composer *Composer, cfg IdentityManagerConfig) *IdentityManager {
	if cfg.Logger == nil {
		cfg.Logger = NopLogger{}
	}
	if cfg.IDGen == nil {
		cfg.IDGen = uuid.NewString
	}
	if cfg.Resume == nil {
		cfg.Resume = func() {}
	}

	return &IdentityManager{store: store, queue: queue, composer: composer, cfg: cfg}
}

// Current implements IdentitySource.
func (m *IdentityManager) Current() (DeviceIdentity, bool) {
	return m.store.Current()
}

// Init resolves the identity of a fresh install. A stored identity always wins.
func (m *IdentityManager) Init(ctx context.Context, developerID string, temporary bool) (DeviceIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.store.Current(); ok {
		return current, nil
	}

	identity := DeviceIdentity{ID: m.cfg.IDGen(), Type: IdentityAnonymous}
	switch {
	case developerID == TemporaryDeviceID || (developerID == "" && temporary):
		identity = DeviceIdentity{ID: TemporaryDeviceID, Type: IdentityTemporary}
	case developerID != "":
		identity = DeviceIdentity{ID: developerID, Type: IdentityDeveloperSupplied}
	}
	if err := m.store.Set(ctx, identity); err != nil {
		return DeviceIdentity{}, err
	}
	m.cfg.Logger.Info("beacon device identity initialized", "type", identity.Type.String())

	current, _ := m.store.Current()
	return current, nil
}

// EnterTemporary switches to the temporary device id. Nothing is delivered
// until a real id is set. A running session is ended under the old id.
func (m *IdentityManager) EnterTemporary(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.enterTemporaryLocked(ctx)
}

// ChangeWithoutMerge replaces the device id without asking the server to
// merge histories. The running session ends under the old id and a new one
// begins under the new id.
func (m *IdentityManager) ChangeWithoutMerge(ctx context.Context, identityType IdentityType, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyDeviceID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id == TemporaryDeviceID || identityType == IdentityTemporary {
		return m.enterTemporaryLocked(ctx)
	}
	if identityType == IdentityLegacyAdvertising {
		identityType = IdentityAnonymous
	}

	current, ok := m.store.Current()
	if ok && current.IsTemporary() {
		return m.exitTemporaryLocked(ctx, identityType, id)
	}
	if ok && current.ID == id {
		m.cfg.Logger.Info("beacon device id unchanged, ignoring change", "type", identityType.String())

		return nil
	}

	restarted, err := m.endSessionLocked(ctx, current, ok)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, DeviceIdentity{ID: id, Type: identityType}); err != nil {
		return err
	}
	if restarted && m.cfg.Sessions != nil {
		if err := m.cfg.Sessions.BeginNew(ctx); err != nil {
			return fmt.Errorf("beacon identity: begin session failed: %w", err)
		}
	}
	m.cfg.Resume()

	return nil
}

// ChangeWithMerge sets a developer supplied id and enqueues one request
// asking the server to merge the old id into it. The session keeps running.
func (m *IdentityManager) ChangeWithMerge(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyDeviceID
	}
	if id == TemporaryDeviceID {
		return m.EnterTemporary(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.store.Current()
	if !ok {
		return ErrIdentityNotResolved
	}
	if current.IsTemporary() {
		return m.exitTemporaryLocked(ctx, IdentityDeveloperSupplied, id)
	}
	if current.ID == id {
		m.cfg.Logger.Info("beacon device id unchanged, ignoring merge")

		return nil
	}

	merge := m.composer.MergeRequest(current.ID, id)
	if err := m.queue.Append(ctx, merge.Encode()); err != nil {
		return err
	}
	if err := m.store.Set(ctx, DeviceIdentity{ID: id, Type: IdentityDeveloperSupplied}); err != nil {
		return err
	}
	m.cfg.Resume()

	return nil
}

// ExitTemporary sets the final identity and readdresses every queued request
// tagged with the temporary id to it, keeping order and all other bytes.
func (m *IdentityManager) ExitTemporary(ctx context.Context, identityType IdentityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.exitTemporaryLocked(ctx, identityType, id)
}

func (m *IdentityManager) enterTemporaryLocked(ctx context.Context) error {
	current, ok := m.store.Current()
	if ok && current.IsTemporary() {
		return nil
	}

	restarted, err := m.endSessionLocked(ctx, current, ok)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, DeviceIdentity{ID: TemporaryDeviceID, Type: IdentityTemporary}); err != nil {
		return err
	}
	m.cfg.Logger.Info("beacon entered temporary device id mode")
	if restarted && m.cfg.Sessions != nil {
		if err := m.cfg.Sessions.BeginNew(ctx); err != nil {
			return fmt.Errorf("beacon identity: begin session failed: %w", err)
		}
	}

	return nil
}

func (m *IdentityManager) exitTemporaryLocked(ctx context.Context, identityType IdentityType, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyDeviceID
	}
	if id == TemporaryDeviceID || identityType == IdentityTemporary {
		return ErrInvalidTemporaryID
	}
	if identityType == IdentityLegacyAdvertising {
		identityType = IdentityAnonymous
	}

	if err := m.store.Set(ctx, DeviceIdentity{ID: id, Type: identityType}); err != nil {
		return err
	}
	changed, err := m.queue.Rewrite(ctx, func(stored string) (string, error) {
		return readdressTemporary(stored, id)
	})
	if err != nil {
		return fmt.Errorf("beacon identity: rewrite temporary requests failed: %w", err)
	}
	m.cfg.Logger.Info("beacon left temporary device id mode", "type", identityType.String(), "rewritten", changed)
	m.cfg.Resume()

	return nil
}

// endSessionLocked flushes buffered events and ends the running session
// under the outgoing id.
func (m *IdentityManager) endSessionLocked(ctx context.Context, current DeviceIdentity, resolved bool) (bool, error) {
	if !resolved || current.IsTemporary() {
		return false, nil
	}
	var errs []error
	if m.composer != nil {
		if err := m.composer.FlushEvents(ctx, current.ID); err != nil {
			errs = append(errs, fmt.Errorf("beacon identity: flush events failed: %w", err))
		}
	}
	ended := false
	if m.cfg.Sessions != nil {
		var err error
		ended, err = m.cfg.Sessions.EndCurrent(ctx, current.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("beacon identity: end session failed: %w", err))
		}
	}

	return ended, errors.Join(errs...)
}

// readdressTemporary replaces a trailing device_id=<temporary> tag with id.
func readdressTemporary(stored, id string) (string, error) {
	head, tags, err := splitTags(stored)
	if err != nil {
		// Leave unparseable entries alone, the worker drops them.
		return stored, nil
	}
	changed := false
	for i, tag := range tags {
		if tag.Kind == TagDeviceID && tag.Value == TemporaryDeviceID {
			tags[i].Value = id
			changed = true
		}
	}
	if !changed {
		return stored, nil
	}

	return joinTags(head, tags), nil
}
