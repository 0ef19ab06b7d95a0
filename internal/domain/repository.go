package domain

import "context"

// Supervised is implemented by every component the kernel keeps alive.
type Supervised interface {
	// IsHealthy reports the component's own view of its health.
	IsHealthy() bool

	// Restart brings the component back to a clean running state.
	Restart(ctx context.Context) error
}

// ResourceSampler measures CPU, memory, and thread usage.
// Implementation: gopsutil.
type ResourceSampler interface {
	// Sample takes one measurement.
	Sample(ctx context.Context) (ResourceSample, error)

	// CPUCounts returns physical and logical core counts.
	CPUCounts(ctx context.Context) (physical, logical int, err error)

	// Memory returns detailed host memory information.
	Memory(ctx context.Context) (MemoryInfo, error)
}

// SystemInspector gathers the data used by safe-mode diagnosis.
type SystemInspector interface {
	Host(ctx context.Context) (HostInfo, error)
	Memory(ctx context.Context) (MemoryInfo, error)
	Disk(ctx context.Context, path string) (DiskInfo, error)
	Process(ctx context.Context) (ProcessInfo, error)
}

// VersionStore persists the module version table.
// Implementations: JSON file (default), SQLCipher database.
type VersionStore interface {
	// Load returns the stored table, or an empty table if none exists.
	Load() (*VersionTable, error)

	// Save durably replaces the stored table.
	Save(table *VersionTable) error

	// Location returns where the table lives (for status output).
	Location() string

	// Close releases resources.
	Close() error
}

// KeyProvider abstracts the source of encryption keys.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}

// DryRunTester checks an update for compatibility without mutating anything.
type DryRunTester interface {
	Test(ctx context.Context, desc UpdateDescriptor, current VersionInfo) error
}

// ArtifactStore manages the on-disk artifacts of versioned modules.
type ArtifactStore interface {
	// Backup snapshots the module's current artifacts and returns the backup location.
	Backup(module, version string) (string, error)

	// Install writes the update's artifacts as the module's live files.
	Install(desc UpdateDescriptor) error

	// Restore replaces the module's live files with a backup.
	Restore(module, backupPath string) error

	// LatestBackup returns the newest backup taken of module at version.
	LatestBackup(module, version string) (string, bool)
}

// CodeUnit is a compiled, callable unit held by the function cache.
type CodeUnit func(ctx context.Context, input string) (string, error)

// Compiler turns source into a CodeUnit.
// Implementations: pre-registered function table, yaegi interpreter.
type Compiler interface {
	Name() string
	Compile(source []byte) (CodeUnit, error)
}

// Codec serializes values for the payload cache.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// EventHandler consumes one event. A returned error is logged by the bus.
type EventHandler func(ctx context.Context, ev Event) error

// EventBus is the publish/subscribe surface components depend on.
type EventBus interface {
	// Emit enqueues an event and returns its id. It never blocks.
	Emit(kind EventKind, payload map[string]any, source string) string

	// Subscribe registers h for kind and returns a subscription id.
	Subscribe(kind EventKind, h EventHandler) string

	// Unsubscribe removes a subscription. It reports whether one was removed.
	Unsubscribe(kind EventKind, id string) bool
}
