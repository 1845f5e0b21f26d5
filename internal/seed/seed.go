// Package seed reads routing configuration bundles from YAML and installs
// them through the consistency guard.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wtf-ops/backend/internal/guard"
	"github.com/wtf-ops/backend/internal/models"
	"github.com/wtf-ops/backend/internal/registry"
)

//go:embed default.yaml
var defaultSeed []byte

// Reseeder is implemented by *guard.Guard.
type Reseeder interface {
	Reseed(ctx context.Context, b guard.Bundle) (guard.Report, error)
}

// Default returns the built-in gym chain configuration.
func Default() (guard.Bundle, error) {
	return Parse(defaultSeed)
}

// DefaultYAML returns the raw built-in configuration.
func DefaultYAML() []byte {
	return append([]byte(nil), defaultSeed...)
}

// Parse decodes a bundle, rejecting unknown fields.
func Parse(data []byte) (guard.Bundle, error) {
	var b guard.Bundle
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		if errors.Is(err, io.EOF) {
			return guard.Bundle{}, models.NewError(models.CodeConfigInvalid, nil, "seed is empty")
		}
		return guard.Bundle{}, models.NewError(models.CodeConfigInvalid, err, "seed is not valid YAML")
	}
	return b, nil
}

func Load(path string) (guard.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return guard.Bundle{}, fmt.Errorf("read seed %s: %w", path, err)
	}
	return Parse(data)
}

// Validate returns every problem the guard would reject the bundle for.
func Validate(b guard.Bundle) []string {
	problems := guard.DanglingReferences(b)
	return append(problems, registry.ValidateState(&registry.State{
		Categories: b.Categories,
		Channels:   b.Channels,
		Rules:      b.Rules,
	})...)
}

func Dump(b guard.Bundle) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ApplyFile loads path and reseeds the engine with it.
func ApplyFile(ctx context.Context, r Reseeder, path string) (guard.Report, error) {
	b, err := Load(path)
	if err != nil {
		return guard.Report{}, err
	}
	return r.Reseed(ctx, b)
}
