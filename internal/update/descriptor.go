package update

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eliteGoblin/luxkernel/internal/domain"
	"github.com/eliteGoblin/luxkernel/internal/infra"
)

// DescriptorSuffix marks pending update files in the updates directory.
const DescriptorSuffix = ".update"

var requiredFields = []string{"module", "version", "files", "checksum"}

// Checksum returns the sha256 of the canonical JSON form of files: object
// keys sorted, no insignificant whitespace, numbers kept as written and
// strings UTF-8 with only the escapes JSON requires. `<`, `>` and `&` stay
// literal, so the digest matches any compact sorted-key encoder.
func Checksum(files json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(files))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("failed to decode files: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	canonical := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ParseDescriptor decodes a descriptor file, requiring every field to be present.
func ParseDescriptor(data []byte) (domain.UpdateDescriptor, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return domain.UpdateDescriptor{}, fmt.Errorf("invalid descriptor: %w", err)
	}
	for _, f := range requiredFields {
		if _, ok := fields[f]; !ok {
			return domain.UpdateDescriptor{}, fmt.Errorf("%w: %s", ErrMissingField, f)
		}
	}

	var desc domain.UpdateDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return domain.UpdateDescriptor{}, fmt.Errorf("invalid descriptor: %w", err)
	}
	if desc.Module == "" || desc.Version == "" || desc.Checksum == "" {
		return domain.UpdateDescriptor{}, fmt.Errorf("%w: empty module, version or checksum", ErrMissingField)
	}
	return desc, nil
}

// LoadDescriptor reads and parses the descriptor at path.
func LoadDescriptor(path string) (domain.UpdateDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.UpdateDescriptor{}, err
	}
	desc, err := ParseDescriptor(data)
	if err != nil {
		return domain.UpdateDescriptor{}, err
	}
	desc.Path = path
	return desc, nil
}

// NewDescriptor builds a descriptor for files with its checksum filled in.
func NewDescriptor(module, version string, files any) (domain.UpdateDescriptor, error) {
	raw, err := json.Marshal(files)
	if err != nil {
		return domain.UpdateDescriptor{}, fmt.Errorf("failed to encode files: %w", err)
	}
	sum, err := Checksum(raw)
	if err != nil {
		return domain.UpdateDescriptor{}, err
	}
	return domain.UpdateDescriptor{
		Module:   module,
		Version:  version,
		Files:    raw,
		Checksum: sum,
	}, nil
}

// WriteDescriptor stages desc in dir as <module>-<version>.update and
// returns the file path.
func WriteDescriptor(dir string, desc domain.UpdateDescriptor) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("%s-%s%s", desc.Module, desc.Version, DescriptorSuffix))
	if err := infra.WriteJSONAtomic(path, desc); err != nil {
		return "", fmt.Errorf("failed to write descriptor: %w", err)
	}
	return path, nil
}
