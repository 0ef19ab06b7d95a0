// Package domain contains core kernel entities and interfaces.
// This is the innermost layer - no dependencies on other kernel packages.
package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// EventKind identifies the type of internal kernel event.
type EventKind string

const (
	EventSystemStart     EventKind = "system_start"
	EventSystemStop      EventKind = "system_stop"
	EventComponentError  EventKind = "component_error"
	EventResourceWarning EventKind = "resource_warning"
	EventHealthCheck     EventKind = "health_check"
	EventUpdateAvailable EventKind = "update_available"
	EventSafeModeEnter   EventKind = "safe_mode_enter"
	EventSafeModeExit    EventKind = "safe_mode_exit"
)

// AllEventKinds lists every kind in declaration order.
var AllEventKinds = []EventKind{
	EventSystemStart,
	EventSystemStop,
	EventComponentError,
	EventResourceWarning,
	EventHealthCheck,
	EventUpdateAvailable,
	EventSafeModeEnter,
	EventSafeModeExit,
}

// Event is a single message carried by the kernel event bus.
// Handlers receive a copy; Processed is set by the bus after dispatch.
type Event struct {
	ID        string         `json:"id"`
	Kind      EventKind      `json:"event_type"`
	Payload   map[string]any `json:"data"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Processed bool           `json:"processed"`
}

// PayloadString returns a string payload value or "" if absent.
func (e Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// ComponentHealth is the watchdog's record for one supervised component.
//
// FailureCount and RestartCount only grow until an explicit Reset.
// ConsecutiveFailures is the streak since the last healthy report and is
// what the restart threshold is compared against.
type ComponentHealth struct {
	Name                string    `json:"name"`
	Healthy             bool      `json:"healthy"`
	LastCheck           time.Time `json:"last_check"`
	FailureCount        int       `json:"failure_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	RestartCount        int       `json:"restart_count"`
}

// NewComponentHealth seeds a healthy record checked at now.
func NewComponentHealth(name string, now time.Time) *ComponentHealth {
	return &ComponentHealth{Name: name, Healthy: true, LastCheck: now}
}

// MarkHealthy records a healthy observation.
func (c *ComponentHealth) MarkHealthy(now time.Time) {
	c.Healthy = true
	c.LastCheck = now
	c.ConsecutiveFailures = 0
	c.LastError = ""
}

// MarkUnhealthy records a failed observation.
func (c *ComponentHealth) MarkUnhealthy(reason string, now time.Time) {
	c.Healthy = false
	c.LastCheck = now
	c.FailureCount++
	c.ConsecutiveFailures++
	c.LastError = reason
}

// MarkRestarted records a restart.
func (c *ComponentHealth) MarkRestarted(now time.Time) {
	c.RestartCount++
	c.LastCheck = now
}

// VersionTable is the persisted module version mapping used for update and rollback.
type VersionTable struct {
	Active     map[string]string `json:"active"`
	Fallback   map[string]string `json:"fallback"`
	NextStable map[string]string `json:"next_stable"`
}

// NewVersionTable returns an empty table with all maps allocated.
func NewVersionTable() *VersionTable {
	return &VersionTable{
		Active:     make(map[string]string),
		Fallback:   make(map[string]string),
		NextStable: make(map[string]string),
	}
}

// Normalize allocates any nil maps (tables decoded from partial JSON).
func (t *VersionTable) Normalize() {
	if t.Active == nil {
		t.Active = make(map[string]string)
	}
	if t.Fallback == nil {
		t.Fallback = make(map[string]string)
	}
	if t.NextStable == nil {
		t.NextStable = make(map[string]string)
	}
}

// Clone returns a deep copy.
func (t *VersionTable) Clone() *VersionTable {
	c := NewVersionTable()
	for k, v := range t.Active {
		c.Active[k] = v
	}
	for k, v := range t.Fallback {
		c.Fallback[k] = v
	}
	for k, v := range t.NextStable {
		c.NextStable[k] = v
	}
	return c
}

// Info returns the versions recorded for a module.
func (t *VersionTable) Info(module string) VersionInfo {
	info := VersionInfo{Active: "unknown", Fallback: "none", NextStable: "none"}
	if v, ok := t.Active[module]; ok {
		info.Active = v
	}
	if v, ok := t.Fallback[module]; ok {
		info.Fallback = v
	}
	if v, ok := t.NextStable[module]; ok {
		info.NextStable = v
	}
	return info
}

// Modules lists every module named in any of the maps, sorted.
func (t *VersionTable) Modules() []string {
	seen := make(map[string]bool)
	for _, m := range []map[string]string{t.Active, t.Fallback, t.NextStable} {
		for k := range m {
			seen[k] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// VersionInfo is the diagnostic view of one module's versions.
type VersionInfo struct {
	Active     string `json:"active"`
	Fallback   string `json:"fallback"`
	NextStable string `json:"next_stable"`
}

// UpdateDescriptor is a pending update artifact discovered on disk.
type UpdateDescriptor struct {
	Module   string          `json:"module"`
	Version  string          `json:"version"`
	Files    json.RawMessage `json:"files"`
	Checksum string          `json:"checksum"`

	// Path is the descriptor file the update was read from.
	Path string `json:"-"`
}

// SafeModeState describes the degraded-operation controller.
type SafeModeState struct {
	Active           bool      `json:"active"`
	ActivationTime   time.Time `json:"activation_time,omitempty"`
	ActivationReason string    `json:"activation_reason,omitempty"`
	RecoveryAttempts int       `json:"recovery_attempts"`
	FailedComponents []string  `json:"failed_components"`
}

// ResourceSample is one raw measurement of process/host usage.
type ResourceSample struct {
	CPUPercent        float64
	MemoryPercent     float64
	MemoryAvailableGB float64
	ThreadCount       int
	Goroutines        int
	LogicalCores      int
}

// ResourceReport is the result of a governor check.
type ResourceReport struct {
	CPUPercent        float64   `json:"cpu_usage"`
	MemoryPercent     float64   `json:"memory_usage"`
	ThreadCount       int       `json:"thread_count"`
	Goroutines        int       `json:"goroutines"`
	AvailableCores    int       `json:"cpu_available_cores"`
	MemoryAvailableGB float64   `json:"memory_available_gb"`
	Warnings          []string  `json:"warnings"`
	Critical          bool      `json:"critical"`
	Error             string    `json:"error,omitempty"`
	CheckedAt         time.Time `json:"checked_at"`
}

// MemoryInfo is a detailed view of host memory in gigabytes.
type MemoryInfo struct {
	TotalGB     float64 `json:"total_gb"`
	AvailableGB float64 `json:"available_gb"`
	UsedGB      float64 `json:"used_gb"`
	FreeGB      float64 `json:"free_gb"`
	Percent     float64 `json:"percent"`
	BuffersGB   float64 `json:"buffers_gb"`
	CachedGB    float64 `json:"cached_gb"`
}

// DiskInfo is disk usage for the filesystem holding a path.
type DiskInfo struct {
	TotalGB     float64 `json:"total_gb"`
	FreeGB      float64 `json:"free_gb"`
	UsedPercent float64 `json:"used_percent"`
}

// HostInfo is static platform information.
type HostInfo struct {
	Platform     string `json:"platform"`
	OS           string `json:"os"`
	Arch         string `json:"architecture"`
	GoVersion    string `json:"go_version"`
	KernelVer    string `json:"kernel_version"`
	Hostname     string `json:"hostname"`
	LogicalCores int    `json:"logical_cores"`
}

// ProcessInfo is the state of the kernel process itself.
type ProcessInfo struct {
	PID           int     `json:"pid"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float32 `json:"memory_percent"`
	ThreadCount   int32   `json:"thread_count"`
	Goroutines    int     `json:"goroutines"`
}
