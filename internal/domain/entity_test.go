package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionTable_Info(t *testing.T) {
	table := NewVersionTable()
	assert.Equal(t, VersionInfo{Active: "unknown", Fallback: "none", NextStable: "none"}, table.Info("event_bus"))

	table.Active["event_bus"] = "1.1.0"
	table.Fallback["event_bus"] = "1.0.0"
	assert.Equal(t, VersionInfo{Active: "1.1.0", Fallback: "1.0.0", NextStable: "none"}, table.Info("event_bus"))
}

func TestVersionTable_NormalizeAndClone(t *testing.T) {
	var table VersionTable
	require.NoError(t, json.Unmarshal([]byte(`{"active":{"watchdog":"2.0.0"}}`), &table))
	table.Normalize()
	assert.NotNil(t, table.Fallback)
	assert.NotNil(t, table.NextStable)

	clone := table.Clone()
	clone.Active["watchdog"] = "3.0.0"
	assert.Equal(t, "2.0.0", table.Active["watchdog"])
}

func TestVersionTable_Modules(t *testing.T) {
	table := NewVersionTable()
	table.Active["watchdog"] = "1"
	table.Fallback["event_bus"] = "1"
	table.NextStable["watchdog"] = "2"
	table.NextStable["context_memory"] = "1"
	assert.Equal(t, []string{"context_memory", "event_bus", "watchdog"}, table.Modules())
}

func TestEvent_PayloadString(t *testing.T) {
	ev := Event{Payload: map[string]any{"component": "watchdog", "count": 3}}
	assert.Equal(t, "watchdog", ev.PayloadString("component"))
	assert.Equal(t, "", ev.PayloadString("count"))
	assert.Equal(t, "", ev.PayloadString("missing"))
	assert.Equal(t, "", Event{}.PayloadString("component"))
}
