package circulation

import (
	"database/sql"
	"time"
)

// Loan は loans テーブルの1行を表す。
// 返却時は同じ行を closed=1 に更新する（返却レコードを複製しない）。
type Loan struct {
	LoanID     int64
	LoanULID   string
	UserID     string
	BookID     int64
	BorrowedAt time.Time
	DueAt      time.Time
	ReturnedAt sql.NullTime
	Closed     bool
}

// 一覧取得用（books を JOIN した行）
type loanRow struct {
	Loan
	BookULID string
	Title    string
	Author   string
	ISBN     string
}

// 貸出一覧の検索条件
type LoanFilter struct {
	UserID    *string
	BookULID  *string
	Closed    *bool
	DueBefore *time.Time
}
