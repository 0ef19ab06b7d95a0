package infra

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/domain"
)

func newTestArtifactStore(t *testing.T) *FileArtifactStore {
	t.Helper()
	root := t.TempDir()
	s := NewFileArtifactStore(filepath.Join(root, "modules"), filepath.Join(root, "backups"), zap.NewNop())
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		ts = ts.Add(time.Second)
		return ts
	}
	return s
}

func writeModuleFile(t *testing.T, s *FileArtifactStore, module, rel, content string) {
	t.Helper()
	path := filepath.Join(s.ModuleDir(module), rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readModuleFile(t *testing.T, s *FileArtifactStore, module, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(s.ModuleDir(module), rel))
	require.NoError(t, err)
	return string(data)
}

func TestFileArtifactStore_BackupWritesManifest(t *testing.T) {
	s := newTestArtifactStore(t)
	writeModuleFile(t, s, "bus", "main.cfg", "v1")
	writeModuleFile(t, s, "bus", "sub/extra.txt", "extra")

	path, err := s.Backup("bus", "1.0.0")
	require.NoError(t, err)

	var manifest BackupManifest
	require.NoError(t, ReadJSON(filepath.Join(path, manifestName), &manifest))
	assert.Equal(t, "bus", manifest.Module)
	assert.Equal(t, "1.0.0", manifest.Version)
	assert.Len(t, manifest.Files, 2)
	assert.Contains(t, manifest.Files, "sub/extra.txt")
}

func TestFileArtifactStore_BackupOfMissingModule(t *testing.T) {
	s := newTestArtifactStore(t)

	path, err := s.Backup("fresh", "unknown")
	require.NoError(t, err)

	var manifest BackupManifest
	require.NoError(t, ReadJSON(filepath.Join(path, manifestName), &manifest))
	assert.Empty(t, manifest.Files)
}

func TestFileArtifactStore_InstallAndRestore(t *testing.T) {
	s := newTestArtifactStore(t)
	writeModuleFile(t, s, "bus", "main.cfg", "v1")

	backup, err := s.Backup("bus", "1.0.0")
	require.NoError(t, err)

	desc := domain.UpdateDescriptor{
		Module:  "bus",
		Version: "2.0.0",
		Files:   json.RawMessage(`{"main.cfg":"v2","limits.json":{"depth":1000}}`),
	}
	require.NoError(t, s.Install(desc))
	assert.Equal(t, "v2", readModuleFile(t, s, "bus", "main.cfg"))
	assert.JSONEq(t, `{"depth":1000}`, readModuleFile(t, s, "bus", "limits.json"))

	require.NoError(t, s.Restore("bus", backup))
	assert.Equal(t, "v1", readModuleFile(t, s, "bus", "main.cfg"))
	_, err = os.Stat(filepath.Join(s.ModuleDir("bus"), "limits.json"))
	assert.True(t, os.IsNotExist(err), "files added by the update are removed on restore")
}

func TestFileArtifactStore_InstallIgnoresNonObjectFiles(t *testing.T) {
	s := newTestArtifactStore(t)
	desc := domain.UpdateDescriptor{Module: "bus", Version: "2", Files: json.RawMessage(`["a.py","b.py"]`)}
	require.NoError(t, s.Install(desc))
	_, err := os.Stat(s.ModuleDir("bus"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileArtifactStore_RejectsTraversal(t *testing.T) {
	s := newTestArtifactStore(t)
	tests := []struct {
		name string
		desc domain.UpdateDescriptor
	}{
		{"parent path", domain.UpdateDescriptor{Module: "bus", Files: json.RawMessage(`{"../escape":"x"}`)}},
		{"absolute path", domain.UpdateDescriptor{Module: "bus", Files: json.RawMessage(`{"/etc/passwd":"x"}`)}},
		{"module with slash", domain.UpdateDescriptor{Module: "a/b", Files: json.RawMessage(`{}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, s.Install(tt.desc))
		})
	}
}

func TestFileArtifactStore_RestoreDetectsTampering(t *testing.T) {
	s := newTestArtifactStore(t)
	writeModuleFile(t, s, "bus", "main.cfg", "v1")
	backup, err := s.Backup("bus", "1.0.0")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(backup, "main.cfg"), []byte("evil"), 0644))

	err = s.Restore("bus", backup)
	assert.True(t, errors.Is(err, ErrManifestMismatch))
	assert.Equal(t, "v1", readModuleFile(t, s, "bus", "main.cfg"))
}

func TestFileArtifactStore_LatestBackup(t *testing.T) {
	s := newTestArtifactStore(t)
	writeModuleFile(t, s, "bus", "main.cfg", "v1")

	first, err := s.Backup("bus", "1.0.0")
	require.NoError(t, err)
	_, err = s.Backup("bus", "1.1.0")
	require.NoError(t, err)
	second, err := s.Backup("bus", "1.0.0")
	require.NoError(t, err)

	got, ok := s.LatestBackup("bus", "1.0.0")
	require.True(t, ok)
	assert.Equal(t, second, got)
	assert.NotEqual(t, first, got)

	_, ok = s.LatestBackup("bus", "9.9.9")
	assert.False(t, ok)

	all, err := s.Backups("bus")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
