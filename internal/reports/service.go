package reports

import (
	"context"
	"database/sql"
	"time"

	"LIBRA-backend/internal/platform/db"
)

// 管理画面ダッシュボード用の集計。表示用途なのでロックは取らない。
type Summary struct {
	Books           int64 `json:"books"`
	TotalCopies     int64 `json:"total_copies"`
	AvailableCopies int64 `json:"available_copies"`
	ActiveLoans     int64 `json:"active_loans"`
	OverdueLoans    int64 `json:"overdue_loans"`
}

type Service struct {
	db *sql.DB
}

func NewService(conn *sql.DB) *Service { return &Service{db: conn} }

func (s *Service) Summary(ctx context.Context, now time.Time) (Summary, error) {
	var out Summary

	err := db.ReadOnly(ctx, s.db, func(ctx context.Context, tx db.DBTX) error {
		const booksQ = `
		SELECT COUNT(*), COALESCE(SUM(total_copies),0), COALESCE(SUM(available_copies),0)
		FROM books`
		if err := tx.QueryRowContext(ctx, booksQ).Scan(&out.Books, &out.TotalCopies, &out.AvailableCopies); err != nil {
			return err
		}

		const activeQ = `SELECT COUNT(*) FROM loans WHERE closed = 0`
		if err := tx.QueryRowContext(ctx, activeQ).Scan(&out.ActiveLoans); err != nil {
			return err
		}

		// overdue は導出条件そのまま（closed=0 かつ due_at < now）
		const overdueQ = `SELECT COUNT(*) FROM loans WHERE closed = 0 AND due_at < ?`
		return tx.QueryRowContext(ctx, overdueQ, now).Scan(&out.OverdueLoans)
	})
	if err != nil {
		return Summary{}, err
	}
	return out, nil
}
