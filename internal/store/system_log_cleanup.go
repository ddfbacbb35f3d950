package store

import (
	"context"
	"time"
)

// Cleanup 删除超过 retentionDays 天的日志，返回删除行数。
func (s *SystemLogStore) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := s.db.Exec(ctx, `DELETE FROM log WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(res.RowsAffected), nil
}
