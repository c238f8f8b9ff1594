package circulation

import (
	"bytes"
	"context"
	"encoding/csv"
	"time"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

// 貸出履歴のCSVエクスポート（admin用）
// encoding=cp932 のときは Excel 向けに Shift_JIS（CP932）で書き出す。

const (
	EncodingUTF8  = "utf8"
	EncodingCP932 = "cp932"
)

const exportLimit = 10000

var exportHeader = []string{
	"loan_ulid", "user_id", "book_ulid", "isbn", "title", "author",
	"borrowed_at", "due_at", "returned_at", "status",
}

func (s *Service) ExportLoansCSV(ctx context.Context, f LoanFilter, encoding string) ([]byte, error) {
	switch encoding {
	case "", EncodingUTF8, EncodingCP932:
	default:
		return nil, NewInvalidArgumentError("encoding must be utf8 or cp932")
	}

	rows, _, err := s.store.ListLoans(ctx, f, Page{Limit: exportLimit, Order: "asc"})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()

	var b bytes.Buffer
	w := csv.NewWriter(&b)
	if encoding == EncodingCP932 {
		enc := japanese.ShiftJIS.NewEncoder()
		w = csv.NewWriter(transform.NewWriter(&b, enc))
	}

	if err := w.Write(exportHeader); err != nil {
		return nil, err
	}
	for i := range rows {
		r := &rows[i]
		returnedAt := ""
		if r.ReturnedAt.Valid {
			returnedAt = r.ReturnedAt.Time.Format(time.RFC3339)
		}
		record := []string{
			r.LoanULID, r.UserID, r.BookULID, r.ISBN, r.Title, r.Author,
			r.BorrowedAt.Format(time.RFC3339),
			r.DueAt.Format(time.RFC3339),
			returnedAt,
			string(Classify(&r.Loan, now)),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
