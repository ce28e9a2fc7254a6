package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/travelers-ai/backend/internal/db"
	"github.com/travelers-ai/backend/internal/model"
)

func newTestRepo(t *testing.T) *POIRepository {
	t.Helper()
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { testDB.Close() })
	return NewPOIRepository(testDB)
}

func TestPOIRepository_CreateAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.UpsertCity(ctx, "lis", "Lisbon", "Portugal"); err != nil {
		t.Fatalf("UpsertCity: %v", err)
	}

	rating := 4.6
	duration := 90
	poi := &model.POI{
		ID:                     "belem",
		Name:                   "Belem Tower",
		Category:               "landmark",
		Rating:                 &rating,
		EstimatedVisitDuration: &duration,
		OpeningHours:           "10:00-18:30",
	}
	if err := repo.Create(ctx, "lis", poi); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByID(ctx, "belem")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Name != "Belem Tower" || got.CityName != "Lisbon" || got.Country != "Portugal" {
		t.Errorf("unexpected poi: %+v", got)
	}
	if got.Rating == nil || *got.Rating != 4.6 {
		t.Errorf("rating = %v, want 4.6", got.Rating)
	}
	if got.EstimatedVisitDuration == nil || *got.EstimatedVisitDuration != 90 {
		t.Errorf("duration = %v, want 90", got.EstimatedVisitDuration)
	}
	if got.PriceEUR != nil {
		t.Errorf("price = %v, want nil", *got.PriceEUR)
	}
}

func TestPOIRepository_WithoutCity(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, "", &model.POI{ID: "x", Name: "Somewhere"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := repo.GetByID(ctx, "x")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	md := model.POIContext{POI: *got}.Metadata()
	if md["poi_city"] != "Unknown" || md["poi_country"] != "Unknown" {
		t.Errorf("metadata = %v, want Unknown city and country", md)
	}
}

func TestPOIRepository_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, model.ErrPOINotFound) {
		t.Errorf("GetByID err = %v, want ErrPOINotFound", err)
	}
	if err := repo.Delete(ctx, "missing"); !errors.Is(err, model.ErrPOINotFound) {
		t.Errorf("Delete err = %v, want ErrPOINotFound", err)
	}
}

func TestPOIRepository_ListByCityAndDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.UpsertCity(ctx, "opo", "Porto", "Portugal"); err != nil {
		t.Fatalf("UpsertCity: %v", err)
	}
	for _, name := range []string{"Ribeira", "Livraria Lello", "Clerigos Tower"} {
		if err := repo.Create(ctx, "opo", &model.POI{ID: name, Name: name}); err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
	}

	pois, err := repo.ListByCity(ctx, "opo")
	if err != nil {
		t.Fatalf("ListByCity: %v", err)
	}
	want := []string{"Clerigos Tower", "Livraria Lello", "Ribeira"}
	if len(pois) != len(want) {
		t.Fatalf("got %d pois, want %d", len(pois), len(want))
	}
	for i, p := range pois {
		if p.Name != want[i] {
			t.Errorf("pois[%d] = %s, want %s", i, p.Name, want[i])
		}
	}

	if err := repo.Delete(ctx, "Ribeira"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	pois, _ = repo.ListByCity(ctx, "opo")
	if len(pois) != 2 {
		t.Errorf("got %d pois after delete, want 2", len(pois))
	}
}

func TestPOIRepository_UpsertCityRenames(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_ = repo.UpsertCity(ctx, "c", "Lisboa", "Portugal")
	_ = repo.Create(ctx, "c", &model.POI{ID: "p", Name: "Alfama"})
	if err := repo.UpsertCity(ctx, "c", "Lisbon", "Portugal"); err != nil {
		t.Fatalf("UpsertCity: %v", err)
	}
	got, err := repo.GetByID(ctx, "p")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.CityName != "Lisbon" {
		t.Errorf("city = %s, want Lisbon", got.CityName)
	}
}

// Property: optional POI fields survive storage exactly, so context metadata
// built from a stored POI carries the same keys as one built in memory.
func TestPOIRepository_Property_OptionalFieldsRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	if err := repo.UpsertCity(ctx, "c", "Seville", "Spain"); err != nil {
		t.Fatalf("UpsertCity: %v", err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	n := 0
	properties.Property("metadata keys match after storage", prop.ForAll(
		func(name, category string, hasRating bool, rating float64, hasDuration bool, duration int) bool {
			n++
			poi := &model.POI{ID: fmt.Sprintf("p%d", n), Name: name, Category: category, CityName: "Seville", Country: "Spain"}
			if hasRating {
				poi.Rating = &rating
			}
			if hasDuration {
				poi.EstimatedVisitDuration = &duration
			}
			if err := repo.Create(ctx, "c", poi); err != nil {
				return false
			}
			got, err := repo.GetByID(ctx, poi.ID)
			if err != nil {
				return false
			}

			want := model.POIContext{POI: *poi}.Metadata()
			have := model.POIContext{POI: *got}.Metadata()
			if len(want) != len(have) {
				return false
			}
			for k, v := range want {
				if have[k] != v {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Bool(),
		gen.Float64Range(0, 5),
		gen.Bool(),
		gen.IntRange(1, 600),
	))

	properties.TestingRun(t)
}
