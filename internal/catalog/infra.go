package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type infra struct {
	db *sql.DB
}

func NewInfra(db *sql.DB) Repo {
	return &infra{db: db}
}

const selectModel = `
	SELECT id, name, provider, provider_model, cost_per_prediction,
	       input_kind, output_kind, active, created_at
	FROM ml_models
`

func (i *infra) Get(ctx context.Context, id uuid.UUID) (Model, error) {
	return scanModel(i.db.QueryRowContext(ctx, selectModel+` WHERE id = $1`, id))
}

func (i *infra) GetByName(ctx context.Context, name string) (Model, error) {
	return scanModel(i.db.QueryRowContext(ctx, selectModel+` WHERE name = $1`, name))
}

func (i *infra) List(ctx context.Context) ([]Model, error) {
	rows, err := i.db.QueryContext(ctx, selectModel+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (i *infra) Upsert(ctx context.Context, m Model) (Model, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	row := i.db.QueryRowContext(ctx, `
		INSERT INTO ml_models
			(id, name, provider, provider_model, cost_per_prediction, input_kind, output_kind, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			provider            = EXCLUDED.provider,
			provider_model      = EXCLUDED.provider_model,
			cost_per_prediction = EXCLUDED.cost_per_prediction,
			input_kind          = EXCLUDED.input_kind,
			output_kind         = EXCLUDED.output_kind,
			active              = EXCLUDED.active
		RETURNING id, name, provider, provider_model, cost_per_prediction,
		          input_kind, output_kind, active, created_at
	`, m.ID, m.Name, m.Provider, m.ProviderModel, m.CostPerPrediction,
		string(m.InputKind), string(m.OutputKind), m.Active)
	return scanModel(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanModel(s scanner) (Model, error) {
	var (
		m       Model
		inKind  string
		outKind string
	)
	err := s.Scan(&m.ID, &m.Name, &m.Provider, &m.ProviderModel, &m.CostPerPrediction,
		&inKind, &outKind, &m.Active, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Model{}, ErrNotFound
	}
	if err != nil {
		return Model{}, fmt.Errorf("scan model: %w", err)
	}
	m.InputKind = DataKind(inKind)
	m.OutputKind = DataKind(outKind)
	return m, nil
}
