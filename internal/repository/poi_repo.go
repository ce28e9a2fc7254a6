package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/travelers-ai/backend/internal/model"
)

// POIRepository provides data access for POIs and their cities.
type POIRepository struct {
	db *sql.DB
}

// NewPOIRepository creates a new POIRepository.
func NewPOIRepository(db *sql.DB) *POIRepository {
	return &POIRepository{db: db}
}

// UpsertCity inserts or renames a city.
func (r *POIRepository) UpsertCity(ctx context.Context, id, name, country string) error {
	query := `
		INSERT INTO cities (id, name, country)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, country = excluded.country
	`

	if _, err := r.db.ExecContext(ctx, query, id, name, country); err != nil {
		return fmt.Errorf("failed to upsert city: %w", err)
	}
	return nil
}

// Create inserts a POI in the given city. cityID may be empty.
func (r *POIRepository) Create(ctx context.Context, cityID string, poi *model.POI) error {
	query := `
		INSERT INTO pois (id, city_id, name, category, rating, estimated_visit_duration, opening_hours, price_eur, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	_, err := r.db.ExecContext(ctx, query,
		poi.ID,
		nullString(cityID),
		poi.Name,
		nullString(poi.Category),
		nullFloat(poi.Rating),
		nullInt(poi.EstimatedVisitDuration),
		nullString(poi.OpeningHours),
		nullFloat(poi.PriceEUR),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create poi: %w", err)
	}

	return nil
}

const poiColumns = `
	p.id, p.name, p.category, p.rating, p.estimated_visit_duration,
	p.opening_hours, p.price_eur, c.name, c.country
`

// GetByID retrieves a POI with its city and country.
func (r *POIRepository) GetByID(ctx context.Context, id string) (*model.POI, error) {
	query := `SELECT ` + poiColumns + `
		FROM pois p
		LEFT JOIN cities c ON c.id = p.city_id
		WHERE p.id = ?
	`

	poi, err := scanPOI(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrPOINotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get poi: %w", err)
	}
	return poi, nil
}

// ListByCity returns the POIs of a city ordered by name.
func (r *POIRepository) ListByCity(ctx context.Context, cityID string) ([]*model.POI, error) {
	query := `SELECT ` + poiColumns + `
		FROM pois p
		LEFT JOIN cities c ON c.id = p.city_id
		WHERE p.city_id = ?
		ORDER BY p.name
	`

	rows, err := r.db.QueryContext(ctx, query, cityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pois: %w", err)
	}
	defer rows.Close()

	var pois []*model.POI
	for rows.Next() {
		poi, err := scanPOI(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan poi: %w", err)
		}
		pois = append(pois, poi)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pois: %w", err)
	}

	return pois, nil
}

// Delete removes a POI.
func (r *POIRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM pois WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete poi: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrPOINotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPOI(row rowScanner) (*model.POI, error) {
	poi := &model.POI{}
	var category, openingHours, cityName, country sql.NullString
	var rating, price sql.NullFloat64
	var duration sql.NullInt64

	err := row.Scan(
		&poi.ID,
		&poi.Name,
		&category,
		&rating,
		&duration,
		&openingHours,
		&price,
		&cityName,
		&country,
	)
	if err != nil {
		return nil, err
	}

	poi.Category = category.String
	poi.OpeningHours = openingHours.String
	poi.CityName = cityName.String
	poi.Country = country.String
	if rating.Valid {
		poi.Rating = &rating.Float64
	}
	if price.Valid {
		poi.PriceEUR = &price.Float64
	}
	if duration.Valid {
		d := int(duration.Int64)
		poi.EstimatedVisitDuration = &d
	}

	return poi, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
