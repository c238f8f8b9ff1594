package catalog

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"strings"
	"time"

	ulid "github.com/oklog/ulid/v2"
)

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

type Service struct {
	store BookStore
	id    IDGen
}

// ストアは外から渡す（ライフサイクルは main 側で管理）
func NewService(store BookStore) *Service {
	return &Service{store: store, id: ulidGen{}}
}

// 行ロック待ちタイムアウトのみ再試行する
const (
	txMaxAttempts   = 3
	txRetryInterval = 50 * time.Millisecond
)

func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		err = fn()
		var api *APIError
		if err == nil || !errors.As(err, &api) || api.Code != CodeTransient {
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

// 登録時は available = total で開始する
func (s *Service) CreateBook(ctx context.Context, in CreateBookRequest) (BookResponse, error) {
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Author) == "" ||
		strings.TrimSpace(in.ISBN) == "" || strings.TrimSpace(in.Genre) == "" {
		return BookResponse{}, ErrInvalid("title, author, isbn, genre are required")
	}
	if in.TotalCopies < 0 {
		return BookResponse{}, ErrInvalid("total_copies must be >= 0")
	}

	isbn := strings.TrimSpace(in.ISBN)

	// ISBN一意性はスキーマ制約ではなく、ここで明示的にチェックして CONFLICT を返す
	dup, err := s.store.FindByISBN(ctx, isbn)
	if err != nil {
		return BookResponse{}, err
	}
	if dup != nil {
		return BookResponse{}, ErrConflict("isbn already exists")
	}

	idStr, err := s.id.New()
	if err != nil {
		return BookResponse{}, err
	}

	b := &Book{
		BookULID:        idStr,
		Title:           strings.TrimSpace(in.Title),
		Author:          strings.TrimSpace(in.Author),
		ISBN:            isbn,
		Genre:           strings.TrimSpace(in.Genre),
		TotalCopies:     in.TotalCopies,
		AvailableCopies: in.TotalCopies,
	}
	if in.Description != nil && *in.Description != "" {
		b.Description = sql.NullString{String: *in.Description, Valid: true}
	}

	if err := s.store.Insert(ctx, b); err != nil {
		return BookResponse{}, err
	}

	created, err := s.store.GetByULID(ctx, b.BookULID)
	if err != nil {
		return BookResponse{}, err
	}
	return buildBookResponse(created), nil
}

func (s *Service) GetBook(ctx context.Context, bookULID string) (BookResponse, error) {
	b, err := s.store.GetByULID(ctx, bookULID)
	if err != nil {
		return BookResponse{}, err
	}
	return buildBookResponse(b), nil
}

func (s *Service) ListBooks(ctx context.Context, q SearchQuery, p Page) ([]BookResponse, int64, error) {
	books, total, err := s.store.List(ctx, q, p)
	if err != nil {
		return nil, 0, err
	}
	out := make([]BookResponse, 0, len(books))
	for i := range books {
		out = append(out, buildBookResponse(&books[i]))
	}
	return out, total, nil
}

// UpdateBook は部分更新。total_copies の変更は Borrow/Return と同じ行ロック下で
// available_copies を clamp(available + delta, 0, newTotal) に追従させる。
func (s *Service) UpdateBook(ctx context.Context, bookULID string, in UpdateBookRequest) (BookResponse, error) {
	if in.TotalCopies != nil && *in.TotalCopies < 0 {
		return BookResponse{}, ErrInvalid("total_copies must be >= 0")
	}

	bookID, err := s.store.ResolveBookID(ctx, bookULID)
	if err != nil {
		return BookResponse{}, err
	}

	var updated *Book
	err = withRetry(ctx, func() error {
		return s.store.WithBookTx(ctx, bookID, func(tx BookTx) error {
			b := tx.Book()
			if in.Title != nil && strings.TrimSpace(*in.Title) != "" {
				b.Title = strings.TrimSpace(*in.Title)
			}
			if in.Author != nil && strings.TrimSpace(*in.Author) != "" {
				b.Author = strings.TrimSpace(*in.Author)
			}
			if in.Genre != nil && strings.TrimSpace(*in.Genre) != "" {
				b.Genre = strings.TrimSpace(*in.Genre)
			}
			if in.Description != nil {
				b.Description = sql.NullString{String: *in.Description, Valid: *in.Description != ""}
			}
			if in.TotalCopies != nil {
				delta := *in.TotalCopies - b.TotalCopies
				b.TotalCopies = *in.TotalCopies
				b.AvailableCopies = clamp(b.AvailableCopies+delta, 0, b.TotalCopies)
			}
			if err := tx.Update(b); err != nil {
				return err
			}
			updated = b
			return nil
		})
	})
	if err != nil {
		return BookResponse{}, err
	}
	return buildBookResponse(updated), nil
}

// DeleteBook: 貸出中の本は消せない（未返却の loan が残るため）
func (s *Service) DeleteBook(ctx context.Context, bookULID string) error {
	bookID, err := s.store.ResolveBookID(ctx, bookULID)
	if err != nil {
		return err
	}

	return withRetry(ctx, func() error {
		return s.store.WithBookTx(ctx, bookID, func(tx BookTx) error {
			n, err := tx.OpenLoanCount()
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrConflict("book has open loans")
			}
			return tx.Delete()
		})
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
