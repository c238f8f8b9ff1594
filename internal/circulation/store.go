package circulation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mysql "github.com/go-sql-driver/mysql"
)

const lockWaitSeconds = 3

// LoanStore は CirculationService が使う永続化の入口。
// 不変条件の判断はすべて Service 側で行い、ストアはロックと読み書きだけを提供する。
type LoanStore interface {
	ResolveBookID(ctx context.Context, bookULID string) (int64, error)
	ResolveBookULID(ctx context.Context, bookID int64) (string, error)
	GetLoanByULID(ctx context.Context, loanULID string) (*Loan, error)
	ListLoans(ctx context.Context, f LoanFilter, p Page) ([]loanRow, int64, error)

	// WithBookTx は books の該当行を FOR UPDATE でロックした状態で fn を実行する。
	// 同一 book への Borrow/Return/在庫変更はこのロックで直列化される。
	// fn が nil を返せば COMMIT、エラーなら ROLLBACK（片側だけ書かれた状態は残らない）。
	WithBookTx(ctx context.Context, bookID int64, fn func(tx BookTx) error) error
}

// ロック中の1冊に対する操作
type BookTx interface {
	BookCopies() (total int, available int)
	AdjustAvailable(delta int) error
	HasOpenLoan(userID string) (bool, error)
	InsertLoan(l *Loan) error
	LoanForUpdate(loanID int64) (*Loan, error)
	CloseLoan(loanID int64, returnedAt time.Time) error
}

type Store struct{ db *sql.DB }

func NewStore(db *sql.DB) LoanStore { return &Store{db: db} }

func (s *Store) ResolveBookID(ctx context.Context, bookULID string) (int64, error) {
	const q = `SELECT book_id FROM books WHERE book_ulid = ?`
	var id int64
	if err := s.db.QueryRowContext(ctx, q, bookULID).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, NewNotFoundError("book not found")
		}
		return 0, err
	}
	return id, nil
}

// bookID → book_ulid の逆引き。見つからなければ空文字
func (s *Store) ResolveBookULID(ctx context.Context, bookID int64) (string, error) {
	const q = `SELECT book_ulid FROM books WHERE book_id = ?`
	var u string
	if err := s.db.QueryRowContext(ctx, q, bookID).Scan(&u); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return u, nil
}

const loanColumns = `loan_id, loan_ulid, user_id, book_id, borrowed_at, due_at, returned_at, closed`

func scanLoan(row interface{ Scan(dest ...any) error }) (*Loan, error) {
	var l Loan
	err := row.Scan(
		&l.LoanID, &l.LoanULID, &l.UserID, &l.BookID,
		&l.BorrowedAt, &l.DueAt, &l.ReturnedAt, &l.Closed,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ロックなしの読み取り。返却時の本判定は LoanForUpdate で再取得する
func (s *Store) GetLoanByULID(ctx context.Context, loanULID string) (*Loan, error) {
	q := fmt.Sprintf(`SELECT %s FROM loans WHERE loan_ulid = ?`, loanColumns)
	l, err := scanLoan(s.db.QueryRowContext(ctx, q, loanULID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("loan not found")
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (s *Store) ListLoans(ctx context.Context, f LoanFilter, p Page) ([]loanRow, int64, error) {
	where, args := buildLoanWhere(f)

	order := "DESC"
	if strings.ToLower(p.Order) == "asc" {
		order = "ASC"
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}

	listQ := fmt.Sprintf(`
	SELECT
	l.loan_id, l.loan_ulid, l.user_id, l.book_id, l.borrowed_at, l.due_at, l.returned_at, l.closed,
	b.book_ulid, b.title, b.author, b.isbn
	FROM loans l
	JOIN books b ON b.book_id = l.book_id
	%s
	ORDER BY l.borrowed_at %s LIMIT ? OFFSET ?`, where, order)
	listArgs := append(append([]any{}, args...), p.Limit, p.Offset)

	rows, err := s.db.QueryContext(ctx, listQ, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []loanRow
	for rows.Next() {
		var r loanRow
		if err := rows.Scan(
			&r.Loan.LoanID, &r.Loan.LoanULID, &r.Loan.UserID, &r.Loan.BookID,
			&r.Loan.BorrowedAt, &r.Loan.DueAt, &r.Loan.ReturnedAt, &r.Loan.Closed,
			&r.BookULID, &r.Title, &r.Author, &r.ISBN,
		); err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	countQ := `SELECT COUNT(*) FROM loans l JOIN books b ON b.book_id = l.book_id ` + where
	var total int64
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func buildLoanWhere(f LoanFilter) (string, []any) {
	sb := strings.Builder{}
	sb.WriteString(`WHERE 1=1`)
	args := []any{}
	if f.UserID != nil {
		sb.WriteString(` AND l.user_id = ?`)
		args = append(args, *f.UserID)
	}
	if f.BookULID != nil {
		sb.WriteString(` AND b.book_ulid = ?`)
		args = append(args, *f.BookULID)
	}
	if f.Closed != nil {
		sb.WriteString(` AND l.closed = ?`)
		args = append(args, *f.Closed)
	}
	if f.DueBefore != nil {
		sb.WriteString(` AND l.due_at < ?`)
		args = append(args, *f.DueBefore)
	}
	return sb.String(), args
}

// ---- Transactional ----

type bookTx struct {
	ctx       context.Context
	tx        *sql.Tx
	bookID    int64
	total     int
	available int
}

func (s *Store) WithBookTx(ctx context.Context, bookID int64, fn func(tx BookTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// ロック待ちは有限。超過は 1205 → TRANSIENT として Service がリトライする
	if _, err = tx.ExecContext(ctx, fmt.Sprintf(`SET innodb_lock_wait_timeout = %d`, lockWaitSeconds)); err != nil {
		err = translateErr(err)
		return err
	}

	// book 行ロック = この本に対する排他区間
	const q = `SELECT total_copies, available_copies FROM books WHERE book_id = ? FOR UPDATE`
	var total, available int
	err = tx.QueryRowContext(ctx, q, bookID).Scan(&total, &available)
	if errors.Is(err, sql.ErrNoRows) {
		err = NewNotFoundError("book not found")
		return err
	}
	if err != nil {
		err = translateErr(err)
		return err
	}

	if err = fn(&bookTx{ctx: ctx, tx: tx, bookID: bookID, total: total, available: available}); err != nil {
		err = translateErr(err)
		return err
	}
	return tx.Commit()
}

func (t *bookTx) BookCopies() (int, int) { return t.total, t.available }

func (t *bookTx) AdjustAvailable(delta int) error {
	const q = `UPDATE books SET available_copies = available_copies + ?, updated_at = CURRENT_TIMESTAMP WHERE book_id = ?`
	res, err := t.tx.ExecContext(t.ctx, q, delta, t.bookID)
	if err != nil {
		return err
	}
	if aff, _ := res.RowsAffected(); aff != 1 {
		return &DomainError{Code: CodeInternal, Message: "failed to update books.available_copies"}
	}
	t.available += delta
	return nil
}

func (t *bookTx) HasOpenLoan(userID string) (bool, error) {
	const q = `SELECT COUNT(*) FROM loans WHERE user_id = ? AND book_id = ? AND closed = 0`
	var n int
	if err := t.tx.QueryRowContext(t.ctx, q, userID, t.bookID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *bookTx) InsertLoan(l *Loan) error {
	const q = `
	INSERT INTO loans
	(loan_ulid, user_id, book_id, borrowed_at, due_at, closed)
	VALUES (?, ?, ?, ?, ?, 0)`
	res, err := t.tx.ExecContext(t.ctx, q, l.LoanULID, l.UserID, l.BookID, l.BorrowedAt, l.DueAt)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	l.LoanID = id
	return nil
}

func (t *bookTx) LoanForUpdate(loanID int64) (*Loan, error) {
	q := fmt.Sprintf(`SELECT %s FROM loans WHERE loan_id = ? FOR UPDATE`, loanColumns)
	l, err := scanLoan(t.tx.QueryRowContext(t.ctx, q, loanID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("loan not found")
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (t *bookTx) CloseLoan(loanID int64, returnedAt time.Time) error {
	// closed = 0 の行だけが対象。2回目の返却はここで必ず弾かれる
	const q = `UPDATE loans SET closed = 1, returned_at = ? WHERE loan_id = ? AND closed = 0`
	res, err := t.tx.ExecContext(t.ctx, q, returnedAt, loanID)
	if err != nil {
		return err
	}
	if aff, _ := res.RowsAffected(); aff != 1 {
		return NewAlreadyReturnedError()
	}
	return nil
}

// 1205 = ER_LOCK_WAIT_TIMEOUT
func translateErr(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == 1205 {
		return NewTransientError("lock wait timeout")
	}
	return err
}
