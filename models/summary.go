package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/recon_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	summaryCacheKey = "ReconciliationSummary"
	summaryCacheTTL = 30 * time.Second
	summaryActivity = 5
)

type BatchSummary struct {
	Batch  Batch             `json:"batch"`
	Counts map[Verdict]int64 `json:"counts"`
}

// ReconciliationSummary is the dashboard read model.
type ReconciliationSummary struct {
	TotalResults   int64             `json:"totalResults"`
	Counts         map[Verdict]int64 `json:"counts"`
	Accuracy       string            `json:"accuracy"`
	LatestBatch    *BatchSummary     `json:"latestBatch"`
	RecentActivity []AuditEntry      `json:"recentActivity"`
	GeneratedAt    time.Time         `json:"generatedAt"`
}

// accuracy is the share of Matched results, formatted like "87.50%".
func accuracy(counts map[Verdict]int64, total int64) string {
	if total == 0 {
		return "0.00%"
	}
	return decimal.NewFromInt(counts[VerdictMatched]).
		Div(decimal.NewFromInt(total)).
		Mul(decimal.NewFromInt(100)).
		StringFixed(2) + "%"
}

func BuildSummary(ctx context.Context, tx *gorm.DB) (*ReconciliationSummary, error) {
	counts, err := CountResultsByVerdict(ctx, tx, nil)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, c := range counts {
		total += c
	}
	summary := ReconciliationSummary{
		TotalResults: total,
		Counts:       counts,
		Accuracy:     accuracy(counts, total),
		GeneratedAt:  time.Now().UTC(),
	}

	latest, err := ListBatches(ctx, tx, 1)
	if err != nil {
		return nil, err
	}
	if len(latest) > 0 {
		batchCounts, err := CountResultsByVerdict(ctx, tx, &latest[0].ID)
		if err != nil {
			return nil, err
		}
		summary.LatestBatch = &BatchSummary{Batch: latest[0], Counts: batchCounts}
	}

	summary.RecentActivity, err = ListRecentAudit(ctx, tx, summaryActivity)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// GetSummary serves the summary from Redis when a fresh copy exists.
// Cache failures fall through to the database.
func GetSummary(ctx context.Context, tx *gorm.DB) (*ReconciliationSummary, error) {
	var cached ReconciliationSummary
	if exists, err := config.GetRedisObject(ctx, summaryCacheKey, &cached); err == nil && exists {
		return &cached, nil
	}
	summary, err := BuildSummary(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := config.SetRedisObject(ctx, summaryCacheKey, summary, summaryCacheTTL); err != nil {
		config.LogError(config.GetLogger(), "Summary", "GetSummary", "caching summary", nil, err)
	}
	return summary, nil
}

// InvalidateSummary drops the cached summary after results change.
func InvalidateSummary(ctx context.Context) {
	if err := config.RemoveRedisKey(ctx, summaryCacheKey); err != nil {
		config.LogError(config.GetLogger(), "Summary", "InvalidateSummary", "removing cache key", nil, err)
	}
}
