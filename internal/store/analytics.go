package store

import (
	"context"
	"fmt"
	"time"
)

// ServerStats aggregates tool_calls rows for one upstream server over a
// lookback window. It is separate from the /stats HTTP endpoint and the
// router:stats control tool, which merge the upstreams' own stats tools.
type ServerStats struct {
	Server        string
	TotalCalls    int64
	SuccessCalls  int64
	ErrorCalls    int64
	AvgDurationMS float64
}

// Analytics returns per-server call counts and average latency for calls
// made within the last lookback window.
func (r *ServerRepository) Analytics(ctx context.Context, lookback time.Duration) ([]*ServerStats, error) {
	hours := int(lookback.Hours())
	if hours < 0 {
		return nil, fmt.Errorf("store: analytics: lookback must be non-negative, got %s", lookback)
	}
	query := fmt.Sprintf(`
		SELECT server,
		       count(*) AS total,
		       count(*) FILTER (WHERE status = 'success') AS success,
		       count(*) FILTER (WHERE status = 'error') AS errors,
		       COALESCE(avg(duration_ms), 0) AS avg_duration
		FROM tool_calls
		WHERE created_at >= now() - INTERVAL '%d hours'
		GROUP BY server
		ORDER BY server`, hours)

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: analytics: %w", err)
	}
	defer rows.Close()

	var stats []*ServerStats
	for rows.Next() {
		var s ServerStats
		if err := rows.Scan(&s.Server, &s.TotalCalls, &s.SuccessCalls, &s.ErrorCalls, &s.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("store: analytics scan: %w", err)
		}
		stats = append(stats, &s)
	}
	return stats, rows.Err()
}
