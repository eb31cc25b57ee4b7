// Package geo resolves place names against an administrative-area
// gazetteer backed by Postgres, and geocodes street addresses through a
// Nominatim-style HTTP service.
package geo

import (
	"context"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"auctus/internal/profile"
	"auctus/internal/types"
)

// Gazetteer looks up administrative areas in the gazetteer database.
type Gazetteer struct {
	pool *pgxpool.Pool
}

// NewGazetteer connects to the gazetteer database.
func NewGazetteer(ctx context.Context, dsn string) (*Gazetteer, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Gazetteer{pool: pool}, nil
}

// Close closes the connection pool.
func (g *Gazetteer) Close() {
	g.pool.Close()
}

const lookupSQL = `
SELECT lower(name), id, level, parent_id, min_lon, min_lat, max_lon, max_lat
FROM admin_areas
WHERE lower(name) = ANY($1)
`

// areaRow is one gazetteer candidate for an input name.
type areaRow struct {
	name     string
	id       string
	level    int
	parentID string
	minLon   float64
	minLat   float64
	maxLon   float64
	maxLat   float64
}

// ResolveNames resolves a set of place names to administrative areas,
// picking the admin level that covers the most names. It satisfies
// profile.AdminResolver.
func (g *Gazetteer) ResolveNames(ctx context.Context, names []string) (*profile.AdminResolution, error) {
	lowered := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		l := strings.ToLower(strings.TrimSpace(n))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		lowered = append(lowered, l)
	}
	if len(lowered) == 0 {
		return &profile.AdminResolution{}, nil
	}

	rows, err := g.pool.Query(ctx, lookupSQL, lowered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []areaRow
	for rows.Next() {
		var r areaRow
		if err := rows.Scan(&r.name, &r.id, &r.level, &r.parentID,
			&r.minLon, &r.minLat, &r.maxLon, &r.maxLat); err != nil {
			return nil, err
		}
		candidates = append(candidates, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return disambiguate(lowered, candidates), nil
}

// disambiguate picks the admin level for a set of name candidates. The
// winning level matches the most input names; ties go to a level whose
// matches all share one parent (a column of boroughs resolves as
// boroughs of one city, not as a grab bag of homonyms), then to the
// coarser level.
func disambiguate(names []string, candidates []areaRow) *profile.AdminResolution {
	type levelStat struct {
		level   int
		matched map[string]bool
		parents map[string]bool
	}
	byLevel := map[int]*levelStat{}
	for _, c := range candidates {
		st := byLevel[c.level]
		if st == nil {
			st = &levelStat{
				level:   c.level,
				matched: map[string]bool{},
				parents: map[string]bool{},
			}
			byLevel[c.level] = st
		}
		st.matched[c.name] = true
		st.parents[c.parentID] = true
	}
	if len(byLevel) == 0 {
		return &profile.AdminResolution{}
	}

	stats := make([]*levelStat, 0, len(byLevel))
	for _, st := range byLevel {
		stats = append(stats, st)
	}
	sort.Slice(stats, func(i, j int) bool {
		a, b := stats[i], stats[j]
		if len(a.matched) != len(b.matched) {
			return len(a.matched) > len(b.matched)
		}
		aSingle := len(a.parents) == 1
		bSingle := len(b.parents) == 1
		if aSingle != bSingle {
			return aSingle
		}
		return a.level < b.level
	})
	chosen := stats[0]

	// Within the chosen level, keep one area per name, preferring the
	// dominant parent when a name is ambiguous.
	parentCount := map[string]int{}
	for _, c := range candidates {
		if c.level == chosen.level {
			parentCount[c.parentID]++
		}
	}
	best := map[string]areaRow{}
	for _, c := range candidates {
		if c.level != chosen.level {
			continue
		}
		prev, ok := best[c.name]
		if !ok || parentCount[c.parentID] > parentCount[prev.parentID] {
			best[c.name] = c
		}
	}

	areas := make([]profile.AdminArea, 0, len(best))
	for _, c := range best {
		areas = append(areas, profile.AdminArea{
			Name:   c.name,
			Level:  c.level,
			Bounds: types.NewEnvelope(c.minLon, c.maxLat, c.maxLon, c.minLat),
		})
	}
	sort.Slice(areas, func(i, j int) bool { return areas[i].Name < areas[j].Name })

	return &profile.AdminResolution{
		Level:   chosen.level,
		Matched: len(chosen.matched),
		Areas:   areas,
	}
}
