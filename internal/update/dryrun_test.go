package update

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/eliteGoblin/luxkernel/internal/domain"
)

func TestSemverDryRun(t *testing.T) {
	files := json.RawMessage(`{"a":"b"}`)
	unknown := domain.VersionInfo{Active: "unknown", Fallback: "none", NextStable: "none"}
	active := func(v string) domain.VersionInfo {
		return domain.VersionInfo{Active: v, Fallback: "none", NextStable: "none"}
	}

	tests := []struct {
		name    string
		tester  SemverDryRun
		version string
		files   json.RawMessage
		current domain.VersionInfo
		wantErr bool
	}{
		{"first install", SemverDryRun{}, "1.0.0", files, unknown, false},
		{"upgrade", SemverDryRun{}, "1.2.0", files, active("1.1.9"), false},
		{"prerelease is older than release", SemverDryRun{}, "1.2.0-rc.1", files, active("1.2.0"), true},
		{"same version", SemverDryRun{}, "1.2.0", files, active("1.2.0"), true},
		{"downgrade", SemverDryRun{}, "1.0.0", files, active("1.2.0"), true},
		{"downgrade allowed", SemverDryRun{AllowDowngrade: true}, "1.0.0", files, active("1.2.0"), false},
		{"non-semver active", SemverDryRun{}, "1.0.0", files, active("nightly"), false},
		{"invalid version", SemverDryRun{}, "latest", files, unknown, true},
		{"null files", SemverDryRun{}, "1.0.0", json.RawMessage(`null`), unknown, true},
		{"empty files", SemverDryRun{}, "1.0.0", nil, unknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := domain.UpdateDescriptor{Module: "m", Version: tt.version, Files: tt.files}
			err := tt.tester.Test(context.Background(), desc, tt.current)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrDryRunFailed)
				return
			}
			assert.NoError(t, err)
		})
	}
}
