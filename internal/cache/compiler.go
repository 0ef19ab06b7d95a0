package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/eliteGoblin/luxkernel/internal/domain"
)

// FuncTable is a Compiler backed by pre-registered functions.
// The source is the name of the function to use.
type FuncTable struct {
	mu    sync.RWMutex
	funcs map[string]domain.CodeUnit
}

// NewFuncTable returns an empty table.
func NewFuncTable() *FuncTable {
	return &FuncTable{funcs: make(map[string]domain.CodeUnit)}
}

// DefaultFuncTable returns a table with the built-in text functions.
func DefaultFuncTable() *FuncTable {
	t := NewFuncTable()
	t.Register("echo", func(_ context.Context, in string) (string, error) { return in, nil })
	t.Register("upper", func(_ context.Context, in string) (string, error) { return strings.ToUpper(in), nil })
	t.Register("lower", func(_ context.Context, in string) (string, error) { return strings.ToLower(in), nil })
	t.Register("trim", func(_ context.Context, in string) (string, error) { return strings.TrimSpace(in), nil })
	return t
}

// Register adds or replaces a named function.
func (t *FuncTable) Register(name string, fn domain.CodeUnit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[name] = fn
}

// Names lists registered functions in sorted order.
func (t *FuncTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.funcs))
	for n := range t.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Name implements domain.Compiler.
func (t *FuncTable) Name() string { return "table" }

// Compile looks up the function named by source.
func (t *FuncTable) Compile(source []byte) (domain.CodeUnit, error) {
	name := strings.TrimSpace(string(source))
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.funcs[name]
	if !ok {
		return nil, fmt.Errorf("function %q not registered", name)
	}
	return fn, nil
}

// CBORCodec serializes payloads with deterministic CBOR encoding.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds a codec using canonical encoding options.
func NewCBORCodec() *CBORCodec {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor: invalid canonical options: %v", err))
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor: invalid decode options: %v", err))
	}
	return &CBORCodec{enc: enc, dec: dec}
}

// Marshal implements domain.Codec.
func (c *CBORCodec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

// Unmarshal implements domain.Codec.
func (c *CBORCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

var (
	_ domain.Compiler = (*FuncTable)(nil)
	_ domain.Codec    = (*CBORCodec)(nil)
)
