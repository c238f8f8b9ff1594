package circulation

import (
	"context"
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ===== インターフェース群 =====

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type IDGen interface {
	New() (string, error)
}

type ulidGen struct{}

func (ulidGen) New() (string, error) {
	t := time.Now().UTC()
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ===== Service本体 =====

// 貸出期間は固定14日
const loanPeriod = 14 * 24 * time.Hour

const (
	txMaxAttempts   = 3
	txRetryInterval = 50 * time.Millisecond
)

// Service は books と loans の両方を書く唯一の主体。
// エンティティをまたぐ不変条件はすべてここでロック下で再検証する。
type Service struct {
	store LoanStore
	clock Clock
	id    IDGen
}

func NewService(store LoanStore) *Service {
	return &Service{
		store: store,
		clock: realClock{},
		id:    ulidGen{},
	}
}

// TRANSIENT（ロック待ちタイムアウト）だけ有限回リトライする
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		err = fn()
		if err == nil || !IsCode(err, CodeTransient) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(txRetryInterval * time.Duration(attempt)):
		}
	}
	return err
}

// 貸出登録
// 前提条件（本が存在する・在庫がある・同じ本の未返却貸出がない）は
// すべて book 行ロックの下で判定し、loan 作成と在庫減算を1トランザクションで行う。
func (s *Service) BorrowBook(ctx context.Context, userID, bookULID string) (*LoanResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, NewInvalidArgumentError("user id is required")
	}
	if strings.TrimSpace(bookULID) == "" {
		return nil, NewInvalidArgumentError("book_ulid is required")
	}

	bookID, err := s.store.ResolveBookID(ctx, bookULID)
	if err != nil {
		return nil, err
	}

	idStr, err := s.id.New()
	if err != nil {
		return nil, err
	}

	var loan *Loan
	err = s.withRetry(ctx, func() error {
		return s.store.WithBookTx(ctx, bookID, func(tx BookTx) error {
			_, available := tx.BookCopies()
			if available <= 0 {
				return NewNoCopiesError()
			}

			open, err := tx.HasOpenLoan(userID)
			if err != nil {
				return err
			}
			if open {
				return NewDuplicateBorrowError()
			}

			now := s.clock.Now()
			l := &Loan{
				LoanULID:   idStr,
				UserID:     userID,
				BookID:     bookID,
				BorrowedAt: now,
				DueAt:      now.Add(loanPeriod),
				Closed:     false,
			}
			if err := tx.InsertLoan(l); err != nil {
				return err
			}
			if err := tx.AdjustAvailable(-1); err != nil {
				return err
			}
			loan = l
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	resp := buildLoanResponse(loan, bookULID, s.clock.Now())
	return &resp, nil
}

// 返却登録
// 対象 loan はロック下で取り直してから判定する（事前のロックなし読みは信用しない）。
// クローズと在庫加算は1トランザクション。2回目以降は ALREADY_RETURNED。
func (s *Service) ReturnBook(ctx context.Context, userID, loanULID string) (*LoanResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, NewInvalidArgumentError("user id is required")
	}
	if strings.TrimSpace(loanULID) == "" {
		return nil, NewInvalidArgumentError("loan_ulid is required")
	}

	loan, err := s.store.GetLoanByULID(ctx, loanULID)
	if err != nil {
		return nil, err
	}

	var returned *Loan
	err = s.withRetry(ctx, func() error {
		return s.store.WithBookTx(ctx, loan.BookID, func(tx BookTx) error {
			l, err := tx.LoanForUpdate(loan.LoanID)
			if err != nil {
				return err
			}
			if l.UserID != userID {
				return NewForbiddenError("loan belongs to a different user")
			}
			if l.Closed {
				return NewAlreadyReturnedError()
			}

			now := s.clock.Now()
			if err := tx.CloseLoan(l.LoanID, now); err != nil {
				return err
			}
			// 貸出中に total_copies が減らされていると available は既に
			// 上限に張り付いている。返却で total を超えて増やさない。
			total, available := tx.BookCopies()
			if available < total {
				if err := tx.AdjustAvailable(1); err != nil {
					return err
				}
			}

			l.Closed = true
			l.ReturnedAt.Time = now
			l.ReturnedAt.Valid = true
			returned = l
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	bookULID, err := s.store.ResolveBookULID(ctx, returned.BookID)
	if err != nil {
		return nil, err
	}

	resp := buildLoanResponse(returned, bookULID, s.clock.Now())
	return &resp, nil
}

// 未返却の貸出一覧（自分の分）
func (s *Service) ListActiveLoans(ctx context.Context, userID string, p Page) ([]LoanResponse, int64, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, 0, NewInvalidArgumentError("user id is required")
	}
	open := false
	f := LoanFilter{UserID: &userID, Closed: &open}
	return s.listLoans(ctx, f, p)
}

// 貸出履歴（自分の分、返却済み含む）
func (s *Service) ListHistory(ctx context.Context, userID string, p Page) ([]LoanResponse, int64, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, 0, NewInvalidArgumentError("user id is required")
	}
	f := LoanFilter{UserID: &userID}
	return s.listLoans(ctx, f, p)
}

// 全貸出一覧（admin用）
func (s *Service) ListAllLoans(ctx context.Context, f LoanFilter, p Page) ([]LoanResponse, int64, error) {
	return s.listLoans(ctx, f, p)
}

func (s *Service) listLoans(ctx context.Context, f LoanFilter, p Page) ([]LoanResponse, int64, error) {
	rows, total, err := s.store.ListLoans(ctx, f, p)
	if err != nil {
		return nil, 0, err
	}

	now := s.clock.Now()
	out := make([]LoanResponse, 0, len(rows))
	for i := range rows {
		out = append(out, buildLoanRowResponse(&rows[i], now))
	}
	return out, total, nil
}
