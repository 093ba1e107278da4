// Package analytics summarizes the orchestration journal: how long phases
// take, how often handlers conflict or fail, and how change requests are
// classified.
package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// Journal actions that mark phase boundaries.
const (
	actionStarted   = "started"
	actionAdvanced  = "advanced"
	actionCompleted = "completed"
)

// timestamp formats to try when parsing timestamps from the database
var timestampFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// PhaseDuration holds duration stats for a phase.
type PhaseDuration struct {
	Phase string  `json:"phase"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_minutes"`
	P50   float64 `json:"p50_minutes"`
	P95   float64 `json:"p95_minutes"`
}

// QueryPhaseDurations returns average and percentile durations per phase.
// A phase begins at the successful event that started it and ends at the
// entity's next phase start or at its completion. Phases still running are
// not counted.
func QueryPhaseDurations(database DB, since string) ([]PhaseDuration, error) {
	query := `
		SELECT entity, action, phase, timestamp FROM pipeline_events
		WHERE outcome = 'ok' AND action IN (?, ?, ?)`
	args := []any{actionStarted, actionAdvanced, actionCompleted}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY entity, timestamp, id`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query phase durations: %w", err)
	}
	defer rows.Close()

	type open struct {
		phase string
		start time.Time
	}
	running := make(map[int]open)
	phaseDurations := make(map[string][]float64)
	for rows.Next() {
		var entity int
		var action string
		var phase sql.NullString
		var ts string
		if err := rows.Scan(&entity, &action, &phase, &ts); err != nil {
			return nil, fmt.Errorf("scan phase boundary: %w", err)
		}
		at, err := parseTimestamp(ts)
		if err != nil {
			continue
		}
		if prev, ok := running[entity]; ok && (action == actionCompleted || prev.phase != phase.String) {
			if minutes := at.Sub(prev.start).Minutes(); minutes > 0 {
				phaseDurations[prev.phase] = append(phaseDurations[prev.phase], minutes)
			}
			delete(running, entity)
		}
		if action == actionCompleted {
			delete(running, entity)
			continue
		}
		if _, ok := running[entity]; !ok && phase.String != "" {
			running[entity] = open{phase: phase.String, start: at}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []PhaseDuration
	for phase, durations := range phaseDurations {
		sort.Float64s(durations)
		results = append(results, PhaseDuration{
			Phase: phase,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Phase < results[j].Phase
	})
	return results, nil
}

// OutcomeRate holds outcome counts for one journal event type.
type OutcomeRate struct {
	Event       string  `json:"event"`
	Total       int     `json:"total"`
	OK          int     `json:"ok"`
	Noop        int     `json:"noop"`
	Conflict    int     `json:"conflict"`
	Error       int     `json:"error"`
	ConflictPct float64 `json:"conflict_pct"`
	ErrorPct    float64 `json:"error_pct"`
}

// QueryOutcomeRates tallies journal outcomes per event type.
func QueryOutcomeRates(database DB, since string) ([]OutcomeRate, error) {
	query := `
		SELECT event,
			COUNT(*),
			SUM(CASE WHEN outcome = 'ok' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'noop' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'conflict' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END)
		FROM pipeline_events`
	var args []any
	if since != "" {
		query += ` WHERE timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY event ORDER BY event`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcome rates: %w", err)
	}
	defer rows.Close()

	var results []OutcomeRate
	for rows.Next() {
		var r OutcomeRate
		if err := rows.Scan(&r.Event, &r.Total, &r.OK, &r.Noop, &r.Conflict, &r.Error); err != nil {
			return nil, fmt.Errorf("scan outcome rate: %w", err)
		}
		r.ConflictPct = pct(r.Conflict, r.Total)
		r.ErrorPct = pct(r.Error, r.Total)
		results = append(results, r)
	}
	return results, rows.Err()
}

// LevelStat holds merge classification counts for one effective level.
type LevelStat struct {
	Level        string  `json:"level"`
	Count        int     `json:"count"`
	Escalated    int     `json:"escalated"`
	EscalatedPct float64 `json:"escalated_pct"`
	AvgFiles     float64 `json:"avg_changed_files"`
}

// QueryMergeLevels groups merge decisions by effective level. A decision is
// escalated when its effective level differs from the declared one.
func QueryMergeLevels(database DB, since string) ([]LevelStat, error) {
	query := `
		SELECT effective,
			COUNT(*),
			SUM(CASE WHEN declared IS NOT NULL AND declared != '' AND declared != effective THEN 1 ELSE 0 END),
			AVG(changed_files)
		FROM merge_decisions`
	var args []any
	if since != "" {
		query += ` WHERE timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY effective ORDER BY effective`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query merge levels: %w", err)
	}
	defer rows.Close()

	var results []LevelStat
	for rows.Next() {
		var s LevelStat
		var avgFiles sql.NullFloat64
		if err := rows.Scan(&s.Level, &s.Count, &s.Escalated, &avgFiles); err != nil {
			return nil, fmt.Errorf("scan merge level: %w", err)
		}
		s.EscalatedPct = pct(s.Escalated, s.Count)
		if avgFiles.Valid {
			s.AvgFiles = math.Round(avgFiles.Float64*10) / 10
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

// Throughput holds entity counts for one week.
type Throughput struct {
	Period    string `json:"period"`
	Started   int    `json:"started"`
	Completed int    `json:"completed"`
	Aborted   int    `json:"aborted"`
	Conflicts int    `json:"conflicts"`
}

// QueryThroughput returns entity starts and finishes grouped by week, newest
// first, for the last ten weeks with activity.
func QueryThroughput(database DB, since string) ([]Throughput, error) {
	query := `
		SELECT
			strftime('%Y-W%W', timestamp) as period,
			SUM(CASE WHEN action = 'started' AND outcome = 'ok' THEN 1 ELSE 0 END),
			SUM(CASE WHEN action = 'completed' AND outcome = 'ok' THEN 1 ELSE 0 END),
			SUM(CASE WHEN action = 'aborted' AND outcome = 'ok' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'conflict' THEN 1 ELSE 0 END)
		FROM pipeline_events`
	var args []any
	if since != "" {
		query += ` WHERE timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY period ORDER BY period DESC LIMIT 10`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query throughput: %w", err)
	}
	defer rows.Close()

	var results []Throughput
	for rows.Next() {
		var t Throughput
		if err := rows.Scan(&t.Period, &t.Started, &t.Completed, &t.Aborted, &t.Conflicts); err != nil {
			return nil, fmt.Errorf("scan throughput: %w", err)
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
