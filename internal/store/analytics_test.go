package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

func TestServerRepository_Analytics_RejectsNegativeLookback(t *testing.T) {
	repo := NewServerRepository(&mockDB{})
	if _, err := repo.Analytics(context.Background(), -time.Hour); err == nil {
		t.Fatal("Analytics() expected error for negative lookback")
	}
}

func TestServerRepository_Analytics_ScansRows(t *testing.T) {
	db := &mockDB{
		queryFunc: func(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
			if !strings.Contains(sql, "GROUP BY server") {
				t.Errorf("expected per-server grouping in SQL, got %q", sql)
			}
			return &mockRows{
				data: [][]any{{"weather", int64(10), int64(9), int64(1), 42.5}},
				scanErr: func(row []any, dest ...any) error {
					*(dest[0].(*string)) = row[0].(string)
					*(dest[1].(*int64)) = row[1].(int64)
					*(dest[2].(*int64)) = row[2].(int64)
					*(dest[3].(*int64)) = row[3].(int64)
					*(dest[4].(*float64)) = row[4].(float64)
					return nil
				},
			}, nil
		},
	}
	repo := NewServerRepository(db)
	stats, err := repo.Analytics(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Analytics() unexpected error: %v", err)
	}
	if len(stats) != 1 || stats[0].Server != "weather" || stats[0].TotalCalls != 10 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
