package db

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthHandler reports pool statistics and whether the report schema is
// migrated. Pending migrations make the database unhealthy.
func HealthHandler(pool *pgxpool.Pool, schema string) echo.HandlerFunc {
	migrator := NewMigrator(pool, nil)
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		stats := GetPoolStats(pool)
		unhealthy := func(err error) error {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"schema": schema,
				"error":  err.Error(),
				"pool":   stats,
			})
		}

		if err := pool.Ping(ctx); err != nil {
			return unhealthy(err)
		}

		statuses, err := migrator.Status(ctx, schema)
		if err != nil {
			return unhealthy(err)
		}
		pending := PendingCount(statuses)
		if pending > 0 {
			return unhealthy(fmt.Errorf("%d pending migrations", pending))
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"schema": schema,
			"pool":   stats,
		})
	}
}

// PendingCount returns how many of statuses are not applied.
func PendingCount(statuses []MigrationStatus) int {
	n := 0
	for _, s := range statuses {
		if !s.Applied {
			n++
		}
	}
	return n
}
