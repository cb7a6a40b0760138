package catalog

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Models []seedModel `yaml:"models"`
}

type seedModel struct {
	Model  `yaml:",inline"`
	Cost   string `yaml:"cost"`
	Active *bool  `yaml:"active"`
}

// ParseSeed — читает список моделей из yaml
func ParseSeed(r io.Reader) ([]Model, error) {
	var f seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}

	out := make([]Model, 0, len(f.Models))
	for _, sm := range f.Models {
		cost, err := decimal.NewFromString(sm.Cost)
		if err != nil {
			return nil, fmt.Errorf("model %q: bad cost %q: %w", sm.Name, sm.Cost, err)
		}
		m := sm.Model
		m.CostPerPrediction = cost
		m.Active = sm.Active == nil || *sm.Active
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("model %q: %w", sm.Name, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// SeedFile — заливает модели из файла в репозиторий
func SeedFile(ctx context.Context, repo Repo, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open models file: %w", err)
	}
	defer f.Close()

	models, err := ParseSeed(f)
	if err != nil {
		return 0, err
	}
	for _, m := range models {
		if _, err := repo.Upsert(ctx, m); err != nil {
			return 0, fmt.Errorf("upsert model %q: %w", m.Name, err)
		}
	}
	return len(models), nil
}
