package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

// LatencyBuckets defines histogram buckets in milliseconds
var LatencyBuckets = []int{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000}

// Histogram keeps per-minute latency buckets of completion calls in SQLite
type Histogram struct {
	db  *sql.DB
	now func() time.Time
}

// NewHistogram creates a new histogram manager. db must hold the
// latency_histogram table.
func NewHistogram(db *sql.DB) *Histogram {
	return &Histogram{db: db, now: time.Now}
}

type bucketCount struct {
	bucket int
	count  int
}

// RecordLatency records a latency measurement in the histogram
func (h *Histogram) RecordLatency(ctx context.Context, operation string, latencyMs int) error {
	bucket := findBucket(latencyMs)
	timestamp := h.now().Unix() / 60 * 60 // 1-minute windows

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO latency_histogram (operation, bucket_ms, count, timestamp)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(operation, bucket_ms, timestamp)
		DO UPDATE SET count = count + 1
	`, operation, bucket, timestamp)
	if err != nil {
		return fmt.Errorf("failed to record latency: %w", err)
	}
	return nil
}

// findBucket finds the appropriate bucket for a latency value
func findBucket(latencyMs int) int {
	for _, bucket := range LatencyBuckets {
		if latencyMs <= bucket {
			return bucket
		}
	}
	return LatencyBuckets[len(LatencyBuckets)-1]
}

// Percentiles holds calculated percentile values
type Percentiles struct {
	Operation string  `json:"operation"`
	P50       float64 `json:"p50_ms"`
	P95       float64 `json:"p95_ms"`
	P99       float64 `json:"p99_ms"`
	Count     int     `json:"count"`
	WindowEnd int64   `json:"window_end"`
}

func (h *Histogram) windowStart(windowMinutes int) int64 {
	return h.now().Unix()/60*60 - int64(windowMinutes*60)
}

func (h *Histogram) buckets(ctx context.Context, operation string, windowMinutes int) ([]bucketCount, int, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT bucket_ms, SUM(count) as total_count
		FROM latency_histogram
		WHERE operation = ? AND timestamp >= ?
		GROUP BY bucket_ms
		ORDER BY bucket_ms ASC
	`, operation, h.windowStart(windowMinutes))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query histogram: %w", err)
	}
	defer rows.Close()

	var (
		buckets []bucketCount
		total   int
	)
	for rows.Next() {
		var bc bucketCount
		if err := rows.Scan(&bc.bucket, &bc.count); err != nil {
			return nil, 0, err
		}
		buckets = append(buckets, bc)
		total += bc.count
	}
	return buckets, total, rows.Err()
}

// CalculatePercentiles calculates p50, p95, p99 for an operation
func (h *Histogram) CalculatePercentiles(ctx context.Context, operation string, windowMinutes int) (*Percentiles, error) {
	buckets, total, err := h.buckets(ctx, operation, windowMinutes)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, fmt.Errorf("no data available for operation %s", operation)
	}

	return &Percentiles{
		Operation: operation,
		P50:       calculatePercentile(buckets, total, 0.50),
		P95:       calculatePercentile(buckets, total, 0.95),
		P99:       calculatePercentile(buckets, total, 0.99),
		Count:     total,
		WindowEnd: h.now().Unix(),
	}, nil
}

// calculatePercentile interpolates linearly inside the bucket that holds the
// target rank
func calculatePercentile(buckets []bucketCount, totalCount int, percentile float64) float64 {
	if len(buckets) == 0 || totalCount == 0 {
		return 0
	}

	targetCount := int(math.Ceil(float64(totalCount) * percentile))
	cumulative := 0

	for _, bc := range buckets {
		cumulative += bc.count
		if cumulative < targetCount {
			continue
		}
		prevCumulative := cumulative - bc.count
		ratio := float64(targetCount-prevCumulative) / float64(bc.count)

		prevBucket := 0
		for i, b := range LatencyBuckets {
			if b == bc.bucket && i > 0 {
				prevBucket = LatencyBuckets[i-1]
				break
			}
		}
		return float64(prevBucket) + ratio*float64(bc.bucket-prevBucket)
	}

	return float64(buckets[len(buckets)-1].bucket)
}

// AllPercentiles returns percentiles for every operation seen in the window
func (h *Histogram) AllPercentiles(ctx context.Context, windowMinutes int) (map[string]*Percentiles, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT DISTINCT operation
		FROM latency_histogram
		WHERE timestamp >= ?
	`, h.windowStart(windowMinutes))
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}

	var operations []string
	for rows.Next() {
		var op string
		if err := rows.Scan(&op); err != nil {
			rows.Close()
			return nil, err
		}
		operations = append(operations, op)
	}
	rows.Close()

	results := make(map[string]*Percentiles, len(operations))
	for _, op := range operations {
		p, err := h.CalculatePercentiles(ctx, op, windowMinutes)
		if err != nil {
			continue
		}
		results[op] = p
	}
	return results, nil
}

// CleanupOldData removes histogram data older than retentionDays
func (h *Histogram) CleanupOldData(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := h.now().Unix() - int64(retentionDays*24*3600)

	result, err := h.db.ExecContext(ctx, `DELETE FROM latency_histogram WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup histogram: %w", err)
	}
	return result.RowsAffected()
}
