package beacon

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// LatestSchemaVersion is the identity schema written by this build.
const LatestSchemaVersion = 1

// MigrationResult reports what a migration run did.
type MigrationResult struct {
	FromVersion  int
	ToVersion    int
	FreshInstall bool
	// Applied lists the source version of every step that ran, in order.
	Applied []int
}

type migrationStep struct {
	from int
	name string
	run  func(m *Migrator, ctx context.Context) error
}

// Migrator upgrades persisted identity records to LatestSchemaVersion.
type Migrator struct {
	storage Storage
	logger  Logger
	newID   func() string
	steps   []migrationStep
}

// MigratorOption configures a Migrator.
type MigratorOption func(*Migrator)

// WithMigratorLogger sets the migrator logger.
func WithMigratorLogger(logger Logger) MigratorOption {
	return func(m *Migrator) {
		m.logger = logger
	}
}

// WithMigratorIDGenerator replaces the random id generator.
func WithMigratorIDGenerator(gen func() string) MigratorOption {
	return func(m *Migrator) {
		m.newID = gen
	}
}

// NewMigrator constructs a Migrator over storage.
func NewMigrator(storage Storage, opts ...MigratorOption) *Migrator {
	m := &Migrator{storage: storage}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = NopLogger{}
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	m.steps = []migrationStep{
		{from: 0, name: "device id mandatory", run: (*Migrator).migrate0To1},
	}

	return m
}

// Run applies every pending step in ascending order. A fresh install has
// nothing to migrate and is reported as already at the latest version.
func (m *Migrator) Run(ctx context.Context) (MigrationResult, error) {
	if m.storage == nil {
		return MigrationResult{}, ErrStorageRequired
	}

	record, hasRecord, err := loadIdentityRecord(ctx, m.storage, IdentityKey)
	if err != nil {
		return MigrationResult{}, err
	}
	if !hasRecord {
		hasQueue, err := m.hasQueue(ctx)
		if err != nil {
			return MigrationResult{}, err
		}
		if !hasQueue {
			return MigrationResult{FromVersion: LatestSchemaVersion, ToVersion: LatestSchemaVersion, FreshInstall: true}, nil
		}
	}

	current := record.SchemaVersion
	if current > LatestSchemaVersion {
		return MigrationResult{}, fmt.Errorf("%w: %d", ErrUnknownSchemaVersion, current)
	}

	result := MigrationResult{FromVersion: current, ToVersion: current}
	for _, step := range m.steps {
		if step.from < result.ToVersion {
			continue
		}
		m.logger.Info("beacon migration step", "from", step.from, "to", step.from+1, "step", step.name)
		if err := step.run(m, ctx); err != nil {
			return result, fmt.Errorf("beacon migration %d->%d failed: %w", step.from, step.from+1, err)
		}
		result.Applied = append(result.Applied, step.from)
		result.ToVersion = step.from + 1
	}

	return result, nil
}

// migrate0To1 reclassifies legacy advertising ids as anonymous and makes sure
// an anonymous identity has an id. Re-running it yields the same record.
func (m *Migrator) migrate0To1(ctx context.Context) error {
	record, _, err := loadIdentityRecord(ctx, m.storage, IdentityKey)
	if err != nil {
		return err
	}

	switch record.Type {
	case IdentityLegacyAdvertising:
		record.Type = IdentityAnonymous
	case IdentityTemporary:
		record.ID = TemporaryDeviceID
	case IdentityDeveloperSupplied:
		if record.ID == "" {
			record.Type = IdentityAnonymous
		}
	}
	if record.Type == IdentityAnonymous && record.ID == "" {
		record.ID = m.newID()
	}
	record.SchemaVersion = 1

	return saveIdentityRecord(ctx, m.storage, IdentityKey, record)
}

func (m *Migrator) hasQueue(ctx context.Context) (bool, error) {
	data, err := m.storage.Load(ctx, QueueKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}

		return false, fmt.Errorf("beacon migration: load queue failed: %w", err)
	}

	return len(data) > 0, nil
}
