package circulation

import "time"

// 貸出リクエスト
type BorrowRequest struct {
	BookULID string `json:"book_ulid" binding:"required"`
}

// 返却リクエスト
type ReturnRequest struct {
	LoanULID string `json:"loan_ulid" binding:"required"`
}

// 貸出レスポンス（status は常に導出値）
type LoanResponse struct {
	LoanULID   string     `json:"loan_ulid"`
	UserID     string     `json:"user_id"`
	BookULID   string     `json:"book_ulid"`
	Title      string     `json:"title,omitempty"`
	Author     string     `json:"author,omitempty"`
	ISBN       string     `json:"isbn,omitempty"`
	BorrowedAt time.Time  `json:"borrowed_at"`
	DueAt      time.Time  `json:"due_at"`
	ReturnedAt *time.Time `json:"returned_at,omitempty"`
	Status     Status     `json:"status"`
}

type Page struct {
	Limit  int
	Offset int
	Order  string
}

func buildLoanResponse(l *Loan, bookULID string, now time.Time) LoanResponse {
	resp := LoanResponse{
		LoanULID:   l.LoanULID,
		UserID:     l.UserID,
		BookULID:   bookULID,
		BorrowedAt: l.BorrowedAt,
		DueAt:      l.DueAt,
		Status:     Classify(l, now),
	}
	if l.ReturnedAt.Valid {
		val := l.ReturnedAt.Time
		resp.ReturnedAt = &val
	}
	return resp
}

func buildLoanRowResponse(r *loanRow, now time.Time) LoanResponse {
	resp := buildLoanResponse(&r.Loan, r.BookULID, now)
	resp.Title = r.Title
	resp.Author = r.Author
	resp.ISBN = r.ISBN
	return resp
}
