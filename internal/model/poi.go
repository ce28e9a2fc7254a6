package model

// POI is a point of interest as stored by the trip planner.
type POI struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	CityName               string   `json:"city"`
	Country                string   `json:"country"`
	Category               string   `json:"category,omitempty"`
	Rating                 *float64 `json:"rating,omitempty"`
	EstimatedVisitDuration *int     `json:"estimatedVisitDuration,omitempty"`
	OpeningHours           string   `json:"openingHours,omitempty"`
	PriceEUR               *float64 `json:"priceEur,omitempty"`
}

// TripContext carries the optional trip-level details sent with a POI view.
type TripContext struct {
	TripStart          string   `json:"trip_start,omitempty"`
	TripEnd            string   `json:"trip_end,omitempty"`
	BudgetRemainingEUR *float64 `json:"budget_remaining,omitempty"`
	ItineraryDay       *int     `json:"itinerary_day,omitempty"`
	ItemsToday         *int     `json:"items_today,omitempty"`
}

// POIContext is everything needed to describe a POI detail view to the engine.
type POIContext struct {
	POI  POI
	Trip TripContext
}

// Metadata flattens the context into the metadata map of a context update.
// Absent optional values are left out rather than sent as nulls.
func (c POIContext) Metadata() map[string]any {
	city := c.POI.CityName
	if city == "" {
		city = "Unknown"
	}
	country := c.POI.Country
	if country == "" {
		country = "Unknown"
	}

	md := map[string]any{
		"poi_name":    c.POI.Name,
		"poi_city":    city,
		"poi_country": country,
	}
	if c.POI.Category != "" {
		md["poi_category"] = c.POI.Category
	}
	if c.POI.PriceEUR != nil {
		md["poi_price_eur"] = *c.POI.PriceEUR
	}
	if c.POI.Rating != nil {
		md["poi_rating"] = *c.POI.Rating
	}
	if c.POI.OpeningHours != "" {
		md["poi_opening_hours"] = c.POI.OpeningHours
	}
	if c.POI.EstimatedVisitDuration != nil {
		md["poi_visit_duration_mins"] = *c.POI.EstimatedVisitDuration
	}
	if c.Trip.TripStart != "" {
		md["user_trip_start"] = c.Trip.TripStart
	}
	if c.Trip.TripEnd != "" {
		md["user_trip_end"] = c.Trip.TripEnd
	}
	if c.Trip.BudgetRemainingEUR != nil {
		md["user_budget_remaining_eur"] = *c.Trip.BudgetRemainingEUR
	}
	if c.Trip.ItineraryDay != nil {
		md["itinerary_day"] = *c.Trip.ItineraryDay
	}
	if c.Trip.ItemsToday != nil {
		md["itinerary_items_today"] = *c.Trip.ItemsToday
	}
	return md
}
