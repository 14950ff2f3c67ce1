package model

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/snappy"

	"go.ngs.io/heat-downscale/internal/domain"
)

const (
	artifactMagic   = "HDSM"
	artifactVersion = 1
)

// artifact is the on-disk envelope. Exactly one regressor field is set.
type artifact struct {
	Magic    string
	Version  int
	Schema   domain.FeatureSchema
	Family   Family
	Forest   *RandomForest
	Boosting *GradientBoosting
}

// Save writes the model, its feature ordering and family tag as one
// snappy-compressed gob file. The file is replaced atomically.
func (m *ResidualModel) Save(path string) error {
	if !m.Trained() {
		return fmt.Errorf("save model: %w: %w", domain.ErrPersistence, ErrNotTrained)
	}
	a := artifact{Magic: artifactMagic, Version: artifactVersion, Schema: m.Schema, Family: m.Family}
	switch r := m.reg.(type) {
	case *RandomForest:
		a.Forest = r
	case *GradientBoosting:
		a.Boosting = r
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a); err != nil {
		return fmt.Errorf("save model: %w: encode: %w", domain.ErrPersistence, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("save model: %w: %w", domain.ErrPersistence, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, snappy.Encode(nil, buf.Bytes()), 0o644); err != nil {
		return fmt.Errorf("save model: %w: %w", domain.ErrPersistence, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save model: %w: %w", domain.ErrPersistence, err)
	}
	return nil
}

// Load reads a model artifact and checks that its feature ordering matches
// expected. A mismatch is both a persistence and a contract error.
func Load(path string, expected domain.FeatureSchema) (*ResidualModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load model: %w: %w", domain.ErrPersistence, err)
	}
	dec, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w: decompress: %w", path, domain.ErrPersistence, err)
	}
	var a artifact
	if err := gob.NewDecoder(bytes.NewReader(dec)).Decode(&a); err != nil {
		return nil, fmt.Errorf("load model %s: %w: decode: %w", path, domain.ErrPersistence, err)
	}
	if a.Magic != artifactMagic || a.Version != artifactVersion {
		return nil, fmt.Errorf("load model %s: %w: unsupported artifact %q v%d", path, domain.ErrPersistence, a.Magic, a.Version)
	}
	if err := expected.Check(a.Schema.Names); err != nil {
		return nil, fmt.Errorf("load model %s: %w: %w", path, domain.ErrPersistence, err)
	}
	if a.Schema.Version != expected.Version {
		return nil, fmt.Errorf("load model %s: %w: schema version %d, want %d",
			path, domain.ErrPersistence, a.Schema.Version, expected.Version)
	}

	m := &ResidualModel{Schema: a.Schema, Family: a.Family}
	switch {
	case a.Family == FamilyRandomForest && a.Forest != nil:
		m.reg = a.Forest
	case a.Family == FamilyGradientBoosting && a.Boosting != nil:
		m.reg = a.Boosting
	default:
		return nil, fmt.Errorf("load model %s: %w: family %q has no regressor", path, domain.ErrPersistence, a.Family)
	}
	if !m.Trained() {
		return nil, fmt.Errorf("load model %s: %w: %w", path, domain.ErrPersistence, ErrNotTrained)
	}
	return m, nil
}
