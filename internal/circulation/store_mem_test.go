package circulation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// LoanStore のインメモリ実装（テスト用）。
// book ごとのロックは容量1のチャネルで表現し、取得待ちには上限を設ける。
// 変更は tx 内でステージングし、fn が成功したときだけ反映する。

type memBook struct {
	id        int64
	ulid      string
	title     string
	author    string
	isbn      string
	total     int
	available int
	lock      chan struct{}
}

type memStore struct {
	mu         sync.Mutex
	books      map[int64]*memBook
	byULID     map[string]int64
	loans      map[int64]*Loan
	loanByULID map[string]int64
	nextLoanID int64
	lockWait   time.Duration
}

func newMemStore() *memStore {
	return &memStore{
		books:      make(map[int64]*memBook),
		byULID:     make(map[string]int64),
		loans:      make(map[int64]*Loan),
		loanByULID: make(map[string]int64),
		lockWait:   200 * time.Millisecond,
	}
}

func (m *memStore) addBook(id int64, ulid, title, author, isbn string, total, available int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[id] = &memBook{
		id: id, ulid: ulid, title: title, author: author, isbn: isbn,
		total: total, available: available,
		lock: make(chan struct{}, 1),
	}
	m.byULID[ulid] = id
}

func (m *memStore) ResolveBookID(_ context.Context, bookULID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byULID[bookULID]
	if !ok {
		return 0, NewNotFoundError("book not found")
	}
	return id, nil
}

func (m *memStore) ResolveBookULID(_ context.Context, bookID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[bookID]
	if !ok {
		return "", nil
	}
	return b.ulid, nil
}

func (m *memStore) GetLoanByULID(_ context.Context, loanULID string) (*Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.loanByULID[loanULID]
	if !ok {
		return nil, NewNotFoundError("loan not found")
	}
	cp := *m.loans[id]
	return &cp, nil
}

func (m *memStore) ListLoans(_ context.Context, f LoanFilter, p Page) ([]loanRow, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []loanRow
	for _, l := range m.loans {
		b := m.books[l.BookID]
		if f.UserID != nil && l.UserID != *f.UserID {
			continue
		}
		if f.BookULID != nil && (b == nil || b.ulid != *f.BookULID) {
			continue
		}
		if f.Closed != nil && l.Closed != *f.Closed {
			continue
		}
		if f.DueBefore != nil && !l.DueAt.Before(*f.DueBefore) {
			continue
		}
		row := loanRow{Loan: *l}
		if b != nil {
			row.BookULID = b.ulid
			row.Title = b.title
			row.Author = b.author
			row.ISBN = b.isbn
		}
		all = append(all, row)
	}

	asc := strings.ToLower(p.Order) == "asc"
	sort.Slice(all, func(i, j int) bool {
		if asc {
			return all[i].BorrowedAt.Before(all[j].BorrowedAt)
		}
		return all[j].BorrowedAt.Before(all[i].BorrowedAt)
	})

	total := int64(len(all))
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

type memBookTx struct {
	store      *memStore
	book       *memBook
	total      int
	available  int
	availDelta int
	inserts    []*Loan
	closes     map[int64]time.Time
}

func (m *memStore) WithBookTx(_ context.Context, bookID int64, fn func(tx BookTx) error) error {
	m.mu.Lock()
	b, ok := m.books[bookID]
	m.mu.Unlock()
	if !ok {
		return NewNotFoundError("book not found")
	}

	select {
	case b.lock <- struct{}{}:
	case <-time.After(m.lockWait):
		return NewTransientError("lock wait timeout")
	}
	defer func() { <-b.lock }()

	m.mu.Lock()
	tx := &memBookTx{
		store:     m,
		book:      b,
		total:     b.total,
		available: b.available,
		closes:    make(map[int64]time.Time),
	}
	m.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (t *memBookTx) BookCopies() (int, int) { return t.total, t.available }

func (t *memBookTx) AdjustAvailable(delta int) error {
	t.availDelta += delta
	t.available += delta
	return nil
}

func (t *memBookTx) HasOpenLoan(userID string) (bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, l := range t.store.loans {
		if l.UserID == userID && l.BookID == t.book.id && !l.Closed {
			return true, nil
		}
	}
	for _, l := range t.inserts {
		if l.UserID == userID && !l.Closed {
			return true, nil
		}
	}
	return false, nil
}

func (t *memBookTx) InsertLoan(l *Loan) error {
	t.inserts = append(t.inserts, l)
	return nil
}

func (t *memBookTx) LoanForUpdate(loanID int64) (*Loan, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	l, ok := t.store.loans[loanID]
	if !ok {
		return nil, NewNotFoundError("loan not found")
	}
	cp := *l
	return &cp, nil
}

func (t *memBookTx) CloseLoan(loanID int64, returnedAt time.Time) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	l, ok := t.store.loans[loanID]
	if !ok {
		return NewNotFoundError("loan not found")
	}
	if l.Closed {
		return NewAlreadyReturnedError()
	}
	t.closes[loanID] = returnedAt
	return nil
}

func (t *memBookTx) commit() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	t.book.available += t.availDelta
	for _, l := range t.inserts {
		t.store.nextLoanID++
		l.LoanID = t.store.nextLoanID
		cp := *l
		t.store.loans[cp.LoanID] = &cp
		t.store.loanByULID[cp.LoanULID] = cp.LoanID
	}
	for id, at := range t.closes {
		l := t.store.loans[id]
		l.Closed = true
		l.ReturnedAt.Time = at
		l.ReturnedAt.Valid = true
	}
}

// ---- 不変条件チェック用ヘルパ ----

// 管理側の在庫数変更（catalog の UpdateBook 相当）を模す
func (m *memStore) setCopies(bookID int64, total, available int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.books[bookID]
	b.total = total
	b.available = available
}

func (m *memStore) snapshotBook(bookID int64) (total, available int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.books[bookID]
	return b.total, b.available
}

func (m *memStore) openLoanCount(bookID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.loans {
		if l.BookID == bookID && !l.Closed {
			n++
		}
	}
	return n
}

func (m *memStore) openLoanCountByPair(userID string, bookID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.loans {
		if l.UserID == userID && l.BookID == bookID && !l.Closed {
			n++
		}
	}
	return n
}

func (m *memStore) loanCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loans)
}
