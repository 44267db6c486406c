package opstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"gopkg.in/yaml.v3"
)

// Endpoint is a reusable named connection entry. Operations may reference
// one through source_registry_id instead of inlining credentials.
type Endpoint struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Kind        string         `json:"kind" yaml:"kind"`
	AdapterType string         `json:"adapter_type" yaml:"adapter_type"`
	Config      map[string]any `json:"config" yaml:"config"`
	CreatedAt   time.Time      `json:"created_at" yaml:"-"`
}

func ValidateEndpoint(e Endpoint) error {
	var errs []error
	if e.Name == "" {
		errs = append(errs, errors.New("endpoint name is required"))
	}
	if e.Kind != "source" && e.Kind != "destination" {
		errs = append(errs, fmt.Errorf("endpoint kind must be source or destination, got %q", e.Kind))
	}
	if e.AdapterType == "" {
		errs = append(errs, errors.New("endpoint adapter_type is required"))
	}
	if e.Config == nil {
		errs = append(errs, errors.New("endpoint config is required"))
	}
	return errors.Join(errs...)
}

func (s *Store) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, kind, adapter_type, config, created_at
		FROM endpoints ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list endpoints: %w", ErrPersistence, err)
	}
	defer rows.Close()

	var list []Endpoint
	for rows.Next() {
		var e Endpoint
		if err := rows.Scan(&e.ID, &e.Name, &e.Kind, &e.AdapterType, &e.Config, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		list = append(list, e)
	}
	if list == nil {
		list = []Endpoint{}
	}
	return list, rows.Err()
}

func (s *Store) GetEndpoint(ctx context.Context, id string) (Endpoint, bool, error) {
	var e Endpoint
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, kind, adapter_type, config, created_at
		FROM endpoints WHERE id = $1
	`, id).Scan(&e.ID, &e.Name, &e.Kind, &e.AdapterType, &e.Config, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Endpoint{}, false, nil
		}
		return Endpoint{}, false, fmt.Errorf("%w: get endpoint: %w", ErrPersistence, err)
	}
	return e, true, nil
}

// UpsertEndpoint inserts or refreshes an endpoint keyed by name. Seed runs
// and API creates share this path, so re-seeding at startup is idempotent.
func (s *Store) UpsertEndpoint(ctx context.Context, e Endpoint) error {
	if err := ValidateEndpoint(e); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO endpoints (id, name, kind, adapter_type, config)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE
		SET kind = EXCLUDED.kind,
		    adapter_type = EXCLUDED.adapter_type,
		    config = EXCLUDED.config
	`, e.ID, e.Name, e.Kind, e.AdapterType, e.Config)
	if err != nil {
		return fmt.Errorf("%w: upsert endpoint %q: %w", ErrPersistence, e.Name, err)
	}
	return nil
}

func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM endpoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: delete endpoint %q: %w", ErrPersistence, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("endpoint %q: %w", id, ErrNotFound)
	}
	return nil
}

type seedFile struct {
	Endpoints []Endpoint `yaml:"endpoints"`
}

// LoadSeed parses a registry seed file. Every entry must validate; a bad
// seed aborts startup rather than silently skipping rows.
func LoadSeed(path string) ([]Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, e := range f.Endpoints {
		if err := ValidateEndpoint(e); err != nil {
			return nil, fmt.Errorf("seed entry %d (%q): %w", i, e.Name, err)
		}
	}
	return f.Endpoints, nil
}

// Seed upserts all entries from a seed file into the registry.
func (s *Store) Seed(ctx context.Context, path string) (int, error) {
	endpoints, err := LoadSeed(path)
	if err != nil {
		return 0, err
	}
	for _, e := range endpoints {
		if err := s.UpsertEndpoint(ctx, e); err != nil {
			return 0, err
		}
	}
	return len(endpoints), nil
}
