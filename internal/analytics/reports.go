package analytics

import (
	"fmt"
	"sort"
)

// Report is a named, parameterless read-only query.
type Report struct {
	Name string
	SQL  string
}

// Group is a set of reports served by one endpoint and cached together.
type Group struct {
	Name    string
	Reports []Report
}

// Registry owns the report groups and one cache per group.
type Registry struct {
	groups map[string]*Group
	caches map[string]*Cache
}

func NewRegistry(groups ...*Group) (*Registry, error) {
	r := &Registry{
		groups: make(map[string]*Group, len(groups)),
		caches: make(map[string]*Cache, len(groups)),
	}
	for _, g := range groups {
		if _, dup := r.groups[g.Name]; dup {
			return nil, fmt.Errorf("duplicate report group %q", g.Name)
		}
		seen := make(map[string]bool, len(g.Reports))
		for _, rep := range g.Reports {
			if seen[rep.Name] {
				return nil, fmt.Errorf("duplicate report %q in group %q", rep.Name, g.Name)
			}
			seen[rep.Name] = true
		}
		r.groups[g.Name] = g
		r.caches[g.Name] = NewCache()
	}
	return r, nil
}

// DefaultRegistry returns the hotel bookings report groups.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(RevenueGroup(), CancellationsGroup(), GeoGroup(), LeadTimeGroup(), OthersGroup())
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Lookup(name string) (*Group, *Cache, bool) {
	g, ok := r.groups[name]
	if !ok {
		return nil, nil, false
	}
	return g, r.caches[name], true
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const revenueExpr = "SUM(adr * (stays_in_week_nights + stays_in_weekend_nights))"

const cancellationCounts = `COUNT(*) AS total_bookings,
	SUM(CASE WHEN is_canceled = TRUE THEN 1 ELSE 0 END) AS canceled_bookings,
	ROUND(100.0 * SUM(CASE WHEN is_canceled = TRUE THEN 1 ELSE 0 END) / COUNT(*), 2) AS cancellation_rate`

func RevenueGroup() *Group {
	return &Group{
		Name: "revenue",
		Reports: []Report{
			{"monthly_revenue", `SELECT DATE_TRUNC('month', arrival_date) AS month, ` + revenueExpr + ` AS total_revenue
				FROM hotel_bookings GROUP BY month ORDER BY month`},
			{"yearly_revenue", `SELECT DATE_PART('year', arrival_date) AS year, ` + revenueExpr + ` AS total_revenue
				FROM hotel_bookings GROUP BY year ORDER BY year`},
			{"highest_revenue_month", `SELECT TO_CHAR(arrival_date, 'Month YYYY') AS month_year, ` + revenueExpr + ` AS total_revenue
				FROM hotel_bookings GROUP BY month_year ORDER BY total_revenue DESC LIMIT 1`},
			{"last_6_months_revenue", `SELECT DATE_TRUNC('month', arrival_date) AS month, ` + revenueExpr + ` AS total_revenue
				FROM hotel_bookings WHERE arrival_date >= CURRENT_DATE - INTERVAL '6 months'
				GROUP BY month ORDER BY month`},
			{"revenue_by_hotel_type", `SELECT hotel, ` + revenueExpr + ` AS total_revenue
				FROM hotel_bookings GROUP BY hotel ORDER BY total_revenue DESC`},
			{"revenue_by_market_segment", `SELECT market_segment, ` + revenueExpr + ` AS total_revenue
				FROM hotel_bookings GROUP BY market_segment ORDER BY total_revenue DESC`},
			{"revenue_by_country", `SELECT country, ` + revenueExpr + ` AS total_revenue
				FROM hotel_bookings GROUP BY country ORDER BY total_revenue DESC`},
			{"revenue_by_cancellation_status", `SELECT is_canceled, ` + revenueExpr + ` AS total_revenue
				FROM hotel_bookings GROUP BY is_canceled`},
			{"revenue_by_room_type", `SELECT reserved_room_type, ` + revenueExpr + ` AS total_revenue
				FROM hotel_bookings GROUP BY reserved_room_type ORDER BY total_revenue DESC`},
			{"revenue_by_special_requests", `SELECT total_of_special_requests, ` + revenueExpr + ` AS total_revenue
				FROM hotel_bookings GROUP BY total_of_special_requests ORDER BY total_of_special_requests DESC`},
		},
	}
}

func CancellationsGroup() *Group {
	return &Group{
		Name: "cancellations",
		Reports: []Report{
			{"overall_cancellation_rate", `SELECT ` + cancellationCounts + ` FROM hotel_bookings`},
			{"cancellation_by_hotel_type", `SELECT hotel, ` + cancellationCounts + `
				FROM hotel_bookings GROUP BY hotel ORDER BY cancellation_rate DESC`},
			{"cancellation_rate_by_month", `SELECT DATE_TRUNC('month', arrival_date) AS month, ` + cancellationCounts + `
				FROM hotel_bookings GROUP BY month ORDER BY month`},
			{"cancellation_by_market_segment", `SELECT market_segment, ` + cancellationCounts + `
				FROM hotel_bookings GROUP BY market_segment ORDER BY cancellation_rate DESC`},
			{"cancellation_by_country", `SELECT country, ` + cancellationCounts + `
				FROM hotel_bookings GROUP BY country ORDER BY cancellation_rate DESC LIMIT 10`},
			{"cancellation_by_room_type", `SELECT reserved_room_type, ` + cancellationCounts + `
				FROM hotel_bookings GROUP BY reserved_room_type ORDER BY cancellation_rate DESC`},
			{"cancellation_by_lead_time", `SELECT CASE
					WHEN lead_time < 7 THEN 'Last-minute'
					WHEN lead_time BETWEEN 7 AND 30 THEN 'Short-term'
					ELSE 'Long-term'
				END AS booking_type, ` + cancellationCounts + `
				FROM hotel_bookings GROUP BY booking_type ORDER BY cancellation_rate DESC`},
			{"cancellation_by_special_requests", `SELECT total_of_special_requests, ` + cancellationCounts + `
				FROM hotel_bookings GROUP BY total_of_special_requests ORDER BY cancellation_rate DESC`},
			{"cancellation_by_deposit_type", `SELECT deposit_type, ` + cancellationCounts + `
				FROM hotel_bookings GROUP BY deposit_type ORDER BY cancellation_rate DESC`},
		},
	}
}

func GeoGroup() *Group {
	return &Group{
		Name: "geo",
		Reports: []Report{
			{"bookings_by_country", `SELECT country, COUNT(*) AS total_bookings
				FROM hotel_bookings GROUP BY country ORDER BY total_bookings DESC`},
			{"booking_percentage_by_country", `SELECT country, COUNT(*) AS total_bookings,
					ROUND(100.0 * COUNT(*) / SUM(COUNT(*)) OVER (), 2) AS booking_percentage
				FROM hotel_bookings GROUP BY country ORDER BY total_bookings DESC`},
			{"revenue_by_country", `SELECT country, ` + revenueExpr + ` AS total_revenue
				FROM hotel_bookings GROUP BY country ORDER BY total_revenue DESC`},
			{"cancellation_by_country", `SELECT country, ` + cancellationCounts + `
				FROM hotel_bookings GROUP BY country ORDER BY cancellation_rate DESC`},
			{"top_10_bookings_by_country", `SELECT country, COUNT(*) AS total_bookings
				FROM hotel_bookings GROUP BY country ORDER BY total_bookings DESC LIMIT 10`},
			{"geo_distribution_over_time", `SELECT DATE_TRUNC('month', arrival_date) AS month, country, COUNT(*) AS total_bookings
				FROM hotel_bookings GROUP BY month, country ORDER BY month, total_bookings DESC`},
		},
	}
}

func LeadTimeGroup() *Group {
	return &Group{
		Name: "lead_time",
		Reports: []Report{
			{"average_lead_time", `SELECT AVG(lead_time) AS average_lead_time FROM hotel_bookings`},
			{"lead_time_distribution", `SELECT CASE
					WHEN lead_time < 7 THEN 'Less than a week'
					WHEN lead_time BETWEEN 7 AND 30 THEN '1 week to 1 month'
					WHEN lead_time BETWEEN 31 AND 90 THEN '1 to 3 months'
					WHEN lead_time BETWEEN 91 AND 180 THEN '3 to 6 months'
					ELSE 'More than 6 months'
				END AS lead_time_category, COUNT(*) AS total_bookings
				FROM hotel_bookings GROUP BY lead_time_category ORDER BY total_bookings DESC`},
			{"percentage_last_minute_bookings", `SELECT
					ROUND(100.0 * COUNT(*) / (SELECT COUNT(*) FROM hotel_bookings), 2) AS percentage_last_minute_bookings
				FROM hotel_bookings WHERE lead_time < 7`},
			{"lead_time_by_hotel_type", `SELECT hotel, AVG(lead_time) AS average_lead_time
				FROM hotel_bookings GROUP BY hotel ORDER BY average_lead_time DESC`},
			{"lead_time_by_market_segment", `SELECT market_segment, AVG(lead_time) AS average_lead_time
				FROM hotel_bookings GROUP BY market_segment ORDER BY average_lead_time DESC`},
			{"lead_time_cancellation_impact", `SELECT CASE
					WHEN lead_time < 7 THEN 'Last-minute'
					WHEN lead_time BETWEEN 7 AND 30 THEN '1 week to 1 month'
					ELSE 'Long-term'
				END AS booking_category, ` + cancellationCounts + `
				FROM hotel_bookings GROUP BY booking_category ORDER BY cancellation_rate DESC`},
		},
	}
}

func OthersGroup() *Group {
	return &Group{
		Name: "others",
		Reports: []Report{
			{"special_requests_vs_cancellations", `SELECT total_of_special_requests,
					SUM(CASE WHEN is_canceled THEN 1 ELSE 0 END) * 100.0 / COUNT(*) AS cancellation_rate
				FROM hotel_bookings GROUP BY total_of_special_requests`},
			{"deposit_type_vs_cancellation", `SELECT deposit_type,
					SUM(CASE WHEN is_canceled THEN 1 ELSE 0 END) * 100.0 / COUNT(*) AS cancellation_rate
				FROM hotel_bookings GROUP BY deposit_type`},
			{"lead_time_cancellation_impact", `SELECT CASE
					WHEN lead_time < 7 THEN 'Last-minute'
					WHEN lead_time BETWEEN 7 AND 30 THEN 'Short-term'
					ELSE 'Long-term'
				END AS booking_type, COUNT(*) AS total_bookings,
					SUM(CASE WHEN is_canceled THEN 1 ELSE 0 END) * 100.0 / COUNT(*) AS cancellation_rate
				FROM hotel_bookings GROUP BY booking_type ORDER BY cancellation_rate DESC`},
		},
	}
}
