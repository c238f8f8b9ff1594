package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// BookStore のインメモリ実装。SQL実装と同じ契約
// （FindByISBN は見つからなければ (nil, nil)、Get/Resolve は NOT_FOUND）。
type memBookStore struct {
	mu        sync.Mutex
	nextID    int64
	books     map[int64]*Book
	openLoans map[int64]int64
}

func newMemBookStore() *memBookStore {
	return &memBookStore{
		nextID:    1,
		books:     map[int64]*Book{},
		openLoans: map[int64]int64{},
	}
}

func (m *memBookStore) FindByISBN(_ context.Context, isbn string) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.books {
		if b.ISBN == isbn {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memBookStore) Insert(_ context.Context, b *Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.BookID = m.nextID
	m.nextID++
	b.CreatedAt = time.Now().UTC()
	b.UpdatedAt = b.CreatedAt
	cp := *b
	m.books[b.BookID] = &cp
	return nil
}

func (m *memBookStore) GetByULID(_ context.Context, bookULID string) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.books {
		if b.BookULID == bookULID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrNotFound("book not found")
}

func (m *memBookStore) ResolveBookID(_ context.Context, bookULID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.books {
		if b.BookULID == bookULID {
			return id, nil
		}
	}
	return 0, ErrNotFound("book not found")
}

func (m *memBookStore) List(_ context.Context, q SearchQuery, p Page) ([]Book, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Book
	for _, b := range m.books {
		if q.Title != nil && !strings.Contains(b.Title, *q.Title) {
			continue
		}
		if q.Author != nil && !strings.Contains(b.Author, *q.Author) {
			continue
		}
		if q.Genre != nil && b.Genre != *q.Genre {
			continue
		}
		if q.ISBN != nil && b.ISBN != *q.ISBN {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookID < out[j].BookID })
	return out, int64(len(out)), nil
}

func (m *memBookStore) WithBookTx(_ context.Context, bookID int64, fn func(tx BookTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[bookID]
	if !ok {
		return ErrNotFound("book not found")
	}
	cp := *b
	tx := &memBookTx{store: m, book: &cp}
	if err := fn(tx); err != nil {
		return err
	}
	// fn が成功した場合のみ確定する
	if tx.deleted {
		delete(m.books, bookID)
	} else if tx.updated != nil {
		m.books[bookID] = tx.updated
	}
	return nil
}

type memBookTx struct {
	store   *memBookStore
	book    *Book
	updated *Book
	deleted bool
}

func (t *memBookTx) Book() *Book { return t.book }

func (t *memBookTx) Update(b *Book) error {
	cp := *b
	cp.UpdatedAt = time.Now().UTC()
	t.updated = &cp
	return nil
}

func (t *memBookTx) OpenLoanCount() (int64, error) {
	return t.store.openLoans[t.book.BookID], nil
}

func (t *memBookTx) Delete() error {
	t.deleted = true
	return nil
}

func (m *memBookStore) setOpenLoans(bookID, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openLoans[bookID] = n
}

func isCode(err error, code Code) bool {
	api, ok := err.(*APIError)
	return ok && api.Code == code
}

func createReq(title, isbn string, total int) CreateBookRequest {
	return CreateBookRequest{
		Title:       title,
		Author:      "著者",
		ISBN:        isbn,
		Genre:       "fiction",
		TotalCopies: total,
	}
}

type fixedIDGen struct{ v string }

func (g fixedIDGen) New() (string, error) { return g.v, nil }

func TestCreateBook_UsesInjectedIDGen(t *testing.T) {
	svc := NewService(newMemBookStore())
	svc.id = fixedIDGen{v: "01TESTULID0000000000000000"}

	res, err := svc.CreateBook(context.Background(), createReq("坊っちゃん", "9784101010014", 1))
	require.NoError(t, err)
	assert.Equal(t, "01TESTULID0000000000000000", res.BookULID)
}

func TestCreateBook_AvailableStartsAtTotal(t *testing.T) {
	svc := NewService(newMemBookStore())

	res, err := svc.CreateBook(context.Background(), createReq("坊っちゃん", "9784101010014", 5))
	require.NoError(t, err)

	assert.NotEmpty(t, res.BookULID)
	assert.Equal(t, 5, res.TotalCopies)
	assert.Equal(t, 5, res.AvailableCopies)
}

func TestCreateBook_Validation(t *testing.T) {
	svc := NewService(newMemBookStore())

	_, err := svc.CreateBook(context.Background(), createReq("", "9784101010014", 1))
	assert.True(t, isCode(err, CodeInvalidArgument))

	req := createReq("坊っちゃん", "9784101010014", -1)
	_, err = svc.CreateBook(context.Background(), req)
	assert.True(t, isCode(err, CodeInvalidArgument))
}

func TestCreateBook_DuplicateISBN(t *testing.T) {
	svc := NewService(newMemBookStore())

	_, err := svc.CreateBook(context.Background(), createReq("坊っちゃん", "9784101010014", 1))
	require.NoError(t, err)

	_, err = svc.CreateBook(context.Background(), createReq("別の本", "9784101010014", 1))
	assert.True(t, isCode(err, CodeConflict))
}

func TestGetBook_NotFound(t *testing.T) {
	svc := NewService(newMemBookStore())

	_, err := svc.GetBook(context.Background(), "NOPE")
	assert.True(t, isCode(err, CodeNotFound))
}

func TestListBooks_Filter(t *testing.T) {
	svc := NewService(newMemBookStore())
	ctx := context.Background()

	_, err := svc.CreateBook(ctx, createReq("坊っちゃん", "isbn-1", 1))
	require.NoError(t, err)
	_, err = svc.CreateBook(ctx, createReq("吾輩は猫である", "isbn-2", 1))
	require.NoError(t, err)

	all, total, err := svc.ListBooks(ctx, SearchQuery{}, Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, all, 2)

	title := "猫"
	filtered, total, err := svc.ListBooks(ctx, SearchQuery{Title: &title}, Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, filtered, 1)
	assert.Equal(t, "吾輩は猫である", filtered[0].Title)
}

func TestUpdateBook_TotalCopiesClamp(t *testing.T) {
	tests := []struct {
		name          string
		total         int
		available     int
		newTotal      int
		wantAvailable int
	}{
		{"増冊は在庫に加算", 2, 1, 5, 4},
		{"減冊は在庫から減算", 5, 4, 3, 2},
		{"減算しても0未満にはならない", 5, 1, 2, 0},
		{"在庫は新しい総数を超えない", 3, 3, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemBookStore()
			svc := NewService(store)
			ctx := context.Background()

			created, err := svc.CreateBook(ctx, createReq("坊っちゃん", "isbn-1", tt.total))
			require.NoError(t, err)

			// 貸出分を直接引いて初期状態を作る
			id, err := store.ResolveBookID(ctx, created.BookULID)
			require.NoError(t, err)
			store.mu.Lock()
			store.books[id].AvailableCopies = tt.available
			store.mu.Unlock()

			res, err := svc.UpdateBook(ctx, created.BookULID, UpdateBookRequest{TotalCopies: &tt.newTotal})
			require.NoError(t, err)
			assert.Equal(t, tt.newTotal, res.TotalCopies)
			assert.Equal(t, tt.wantAvailable, res.AvailableCopies)
		})
	}
}

func TestUpdateBook_PartialFields(t *testing.T) {
	svc := NewService(newMemBookStore())
	ctx := context.Background()

	created, err := svc.CreateBook(ctx, createReq("坊っちゃん", "isbn-1", 2))
	require.NoError(t, err)

	author := "夏目漱石"
	res, err := svc.UpdateBook(ctx, created.BookULID, UpdateBookRequest{Author: &author})
	require.NoError(t, err)

	assert.Equal(t, "夏目漱石", res.Author)
	assert.Equal(t, "坊っちゃん", res.Title)
	assert.Equal(t, 2, res.TotalCopies)
	assert.Equal(t, 2, res.AvailableCopies)
}

func TestUpdateBook_NegativeTotalRejected(t *testing.T) {
	svc := NewService(newMemBookStore())
	ctx := context.Background()

	created, err := svc.CreateBook(ctx, createReq("坊っちゃん", "isbn-1", 2))
	require.NoError(t, err)

	neg := -1
	_, err = svc.UpdateBook(ctx, created.BookULID, UpdateBookRequest{TotalCopies: &neg})
	assert.True(t, isCode(err, CodeInvalidArgument))
}

func TestDeleteBook_RefusedWhileOnLoan(t *testing.T) {
	store := newMemBookStore()
	svc := NewService(store)
	ctx := context.Background()

	created, err := svc.CreateBook(ctx, createReq("坊っちゃん", "isbn-1", 2))
	require.NoError(t, err)

	id, err := store.ResolveBookID(ctx, created.BookULID)
	require.NoError(t, err)
	store.setOpenLoans(id, 1)

	err = svc.DeleteBook(ctx, created.BookULID)
	assert.True(t, isCode(err, CodeConflict))

	// 削除されていない
	_, err = svc.GetBook(ctx, created.BookULID)
	assert.NoError(t, err)
}

func TestDeleteBook_Succeeds(t *testing.T) {
	svc := NewService(newMemBookStore())
	ctx := context.Background()

	created, err := svc.CreateBook(ctx, createReq("坊っちゃん", "isbn-1", 2))
	require.NoError(t, err)

	require.NoError(t, svc.DeleteBook(ctx, created.BookULID))

	_, err = svc.GetBook(ctx, created.BookULID)
	assert.True(t, isCode(err, CodeNotFound))
}
