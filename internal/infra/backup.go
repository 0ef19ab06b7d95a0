package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/domain"
)

const manifestName = "manifest.json"

// ErrManifestMismatch is returned when a backup no longer matches its manifest.
var ErrManifestMismatch = errors.New("backup does not match manifest")

// BackupManifest records what a backup contains.
type BackupManifest struct {
	Module    string            `json:"module"`
	Version   string            `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	Files     map[string]string `json:"files"` // relative path -> sha256
}

// FileArtifactStore implements domain.ArtifactStore on the local filesystem.
// Live module files are kept under <modulesDir>/<module>/ and backups under
// <backupDir>/<module>_<version>_<timestamp>/ next to a sha256 manifest.
type FileArtifactStore struct {
	modulesDir string
	backupDir  string
	now        func() time.Time
	logger     *zap.Logger
}

// NewFileArtifactStore creates a store rooted at the given directories.
func NewFileArtifactStore(modulesDir, backupDir string, logger *zap.Logger) *FileArtifactStore {
	return &FileArtifactStore{
		modulesDir: modulesDir,
		backupDir:  backupDir,
		now:        time.Now,
		logger:     logger,
	}
}

// ModuleDir returns the live directory of module.
func (s *FileArtifactStore) ModuleDir(module string) string {
	return filepath.Join(s.modulesDir, module)
}

// Backup copies the module's live files into a new timestamped directory.
// A module with no files yet still gets an (empty) backup with a manifest.
func (s *FileArtifactStore) Backup(module, version string) (string, error) {
	if err := validateName(module); err != nil {
		return "", err
	}
	ts := s.now()
	name := fmt.Sprintf("%s_%s_%s", module, sanitize(version), ts.Format("20060102_150405.000"))
	dst := filepath.Join(s.backupDir, name)
	if err := os.MkdirAll(dst, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	manifest := BackupManifest{
		Module:    module,
		Version:   version,
		CreatedAt: ts,
		Files:     make(map[string]string),
	}

	src := s.ModuleDir(module)
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if err := copyFile(path, filepath.Join(dst, rel)); err != nil {
			return fmt.Errorf("failed to copy %s: %w", rel, err)
		}
		sum, err := computeSHA256(path)
		if err != nil {
			return err
		}
		manifest.Files[filepath.ToSlash(rel)] = sum
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to back up %s: %w", module, err)
	}

	if err := WriteJSONAtomic(filepath.Join(dst, manifestName), manifest); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}

	s.logger.Info("backup created",
		zap.String("module", module),
		zap.String("version", version),
		zap.String("path", dst),
		zap.Int("files", len(manifest.Files)))
	return dst, nil
}

// Install writes the descriptor's files into the module's live directory.
// Files must be a JSON object of relative path to content; string values are
// written verbatim, anything else as its JSON encoding. Any other shape of
// files carries no artifacts and installs nothing.
func (s *FileArtifactStore) Install(desc domain.UpdateDescriptor) error {
	if err := validateName(desc.Module); err != nil {
		return err
	}
	var files map[string]json.RawMessage
	if err := json.Unmarshal(desc.Files, &files); err != nil {
		return nil
	}

	dir := s.ModuleDir(desc.Module)
	for rel, raw := range files {
		if err := validateRelPath(rel); err != nil {
			return err
		}
		content := []byte(raw)
		var str string
		if err := json.Unmarshal(raw, &str); err == nil {
			content = []byte(str)
		}
		if err := WriteFileAtomic(filepath.Join(dir, filepath.FromSlash(rel)), content, 0644); err != nil {
			return fmt.Errorf("failed to install %s: %w", rel, err)
		}
	}
	return nil
}

// Restore verifies a backup against its manifest and replaces the module's
// live files with it.
func (s *FileArtifactStore) Restore(module, backupPath string) error {
	if err := validateName(module); err != nil {
		return err
	}
	var manifest BackupManifest
	if err := ReadJSON(filepath.Join(backupPath, manifestName), &manifest); err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	if manifest.Module != module {
		return fmt.Errorf("%w: backup is for %q", ErrManifestMismatch, manifest.Module)
	}

	for rel, want := range manifest.Files {
		got, err := computeSHA256(filepath.Join(backupPath, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("failed to verify %s: %w", rel, err)
		}
		if got != want {
			return fmt.Errorf("%w: %s", ErrManifestMismatch, rel)
		}
	}

	dir := s.ModuleDir(module)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear %s: %w", module, err)
	}
	for rel := range manifest.Files {
		src := filepath.Join(backupPath, filepath.FromSlash(rel))
		if err := copyFile(src, filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			return fmt.Errorf("failed to restore %s: %w", rel, err)
		}
	}

	s.logger.Info("backup restored",
		zap.String("module", module),
		zap.String("version", manifest.Version),
		zap.String("path", backupPath))
	return nil
}

// Backups lists the backup directories of module sorted by name
// (version, then timestamp).
func (s *FileArtifactStore) Backups(module string) ([]string, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), module+"_") {
			out = append(out, filepath.Join(s.backupDir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// LatestBackup returns the newest backup of module recorded for version.
func (s *FileArtifactStore) LatestBackup(module, version string) (string, bool) {
	backups, err := s.Backups(module)
	if err != nil {
		return "", false
	}
	prefix := module + "_" + sanitize(version) + "_"
	for i := len(backups) - 1; i >= 0; i-- {
		if strings.HasPrefix(filepath.Base(backups[i]), prefix) {
			return backups[i], true
		}
	}
	return "", false
}

func validateName(module string) error {
	if module == "" || strings.ContainsAny(module, `/\`) || module == "." || module == ".." {
		return fmt.Errorf("invalid module name %q", module)
	}
	return nil
}

func validateRelPath(rel string) error {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if rel == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("invalid artifact path %q", rel)
	}
	return nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', '_':
			return '-'
		}
		return r
	}, s)
}

var _ domain.ArtifactStore = (*FileArtifactStore)(nil)
