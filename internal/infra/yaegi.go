package infra

import (
	"context"
	"fmt"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/eliteGoblin/luxkernel/internal/domain"
)

// EntryPoint is the function a yaegi code unit must define.
const EntryPoint = "Run"

// YaegiCompiler implements domain.Compiler by interpreting Go source with
// yaegi. Source is trusted; only the standard library symbols are loaded.
// A unit must define:
//
//	func Run(input string) (string, error)
//
// and may omit the package clause, in which case "package main" is added.
type YaegiCompiler struct{}

// NewYaegiCompiler creates the compiler.
func NewYaegiCompiler() *YaegiCompiler {
	return &YaegiCompiler{}
}

// Name implements domain.Compiler.
func (c *YaegiCompiler) Name() string { return "yaegi" }

// Compile evaluates source in a fresh interpreter and returns its Run function.
func (c *YaegiCompiler) Compile(source []byte) (domain.CodeUnit, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}

	code := string(source)
	pkg := "main"
	if trimmed := strings.TrimSpace(code); strings.HasPrefix(trimmed, "package ") {
		pkg = strings.Fields(trimmed)[1]
	} else {
		code = "package main\n\n" + code
	}

	if _, err := i.Eval(code); err != nil {
		return nil, fmt.Errorf("code evaluation failed: %w", err)
	}

	v, err := i.Eval(pkg + "." + EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("%s function not found: %w", EntryPoint, err)
	}
	fn, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return nil, fmt.Errorf("%s has incorrect signature (expected: func(string) (string, error))", EntryPoint)
	}

	return func(ctx context.Context, input string) (string, error) {
		type result struct {
			out string
			err error
		}
		ch := make(chan result, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					ch <- result{err: fmt.Errorf("code unit panic: %v", r)}
				}
			}()
			out, err := fn(input)
			ch <- result{out, err}
		}()

		select {
		case r := <-ch:
			return r.out, r.err
		case <-ctx.Done():
			return "", fmt.Errorf("code unit timed out: %w", ctx.Err())
		}
	}, nil
}

var _ domain.Compiler = (*YaegiCompiler)(nil)
