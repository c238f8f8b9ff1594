package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mysql "github.com/go-sql-driver/mysql"
)

// Borrow/Return と同じ行ロックで直列化するため、ロック待ちの上限（秒）
const lockWaitSeconds = 3

type BookStore interface {
	FindByISBN(ctx context.Context, isbn string) (*Book, error)
	Insert(ctx context.Context, b *Book) error
	GetByULID(ctx context.Context, bookULID string) (*Book, error)
	ResolveBookID(ctx context.Context, bookULID string) (int64, error)
	List(ctx context.Context, q SearchQuery, p Page) ([]Book, int64, error)

	// WithBookTx は books の該当行を FOR UPDATE でロックした状態で fn を実行する。
	// fn が nil を返せば COMMIT、エラーなら ROLLBACK。
	WithBookTx(ctx context.Context, bookID int64, fn func(tx BookTx) error) error
}

// ロック中の1冊に対する操作
type BookTx interface {
	Book() *Book
	Update(b *Book) error
	OpenLoanCount() (int64, error)
	Delete() error
}

type Store struct{ db *sql.DB }

func NewStore(db *sql.DB) BookStore { return &Store{db: db} }

const bookColumns = `book_id, book_ulid, title, author, isbn, genre, description, total_copies, available_copies, created_at, updated_at`

func scanBook(row interface{ Scan(dest ...any) error }) (*Book, error) {
	var b Book
	err := row.Scan(
		&b.BookID, &b.BookULID, &b.Title, &b.Author, &b.ISBN, &b.Genre,
		&b.Description, &b.TotalCopies, &b.AvailableCopies, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// FindByISBN: ISBN重複の事前チェック用。見つからなければ (nil, nil)
func (s *Store) FindByISBN(ctx context.Context, isbn string) (*Book, error) {
	q := fmt.Sprintf(`SELECT %s FROM books WHERE isbn = ? LIMIT 1`, bookColumns)
	b, err := scanBook(s.db.QueryRowContext(ctx, q, isbn))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) Insert(ctx context.Context, b *Book) error {
	const q = `
	INSERT INTO books
	(book_ulid, title, author, isbn, genre, description, total_copies, available_copies, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`

	res, err := s.db.ExecContext(ctx, q,
		b.BookULID, b.Title, b.Author, b.ISBN, b.Genre,
		nullStrOrNil(b.Description), b.TotalCopies, b.AvailableCopies,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	b.BookID = id
	return nil
}

func (s *Store) GetByULID(ctx context.Context, bookULID string) (*Book, error) {
	q := fmt.Sprintf(`SELECT %s FROM books WHERE book_ulid = ?`, bookColumns)
	b, err := scanBook(s.db.QueryRowContext(ctx, q, bookULID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound("book not found")
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) ResolveBookID(ctx context.Context, bookULID string) (int64, error) {
	const q = `SELECT book_id FROM books WHERE book_ulid = ?`
	var id int64
	if err := s.db.QueryRowContext(ctx, q, bookULID).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound("book not found")
		}
		return 0, err
	}
	return id, nil
}

// 一覧はロックなしで読む（表示用途。多少古いカウントは許容）
func (s *Store) List(ctx context.Context, q SearchQuery, p Page) ([]Book, int64, error) {
	where, args := buildWhere(q)

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

	listQ := fmt.Sprintf(`SELECT %s FROM books %s ORDER BY created_at %s LIMIT ? OFFSET ?`, bookColumns, where, order)
	listArgs := append(append([]any{}, args...), p.Limit, p.Offset)

	rows, err := s.db.QueryContext(ctx, listQ, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM books `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func buildWhere(q SearchQuery) (string, []any) {
	sb := strings.Builder{}
	sb.WriteString(`WHERE 1=1`)
	args := []any{}
	if q.Title != nil {
		sb.WriteString(` AND title LIKE ?`)
		args = append(args, "%"+*q.Title+"%")
	}
	if q.Author != nil {
		sb.WriteString(` AND author LIKE ?`)
		args = append(args, "%"+*q.Author+"%")
	}
	if q.Genre != nil {
		sb.WriteString(` AND genre = ?`)
		args = append(args, *q.Genre)
	}
	if q.ISBN != nil {
		sb.WriteString(` AND isbn = ?`)
		args = append(args, *q.ISBN)
	}
	return sb.String(), args
}

// ---- Transactional ----

type bookTx struct {
	ctx  context.Context
	tx   *sql.Tx
	book *Book
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

	// ロック待ちは有限（超過は 1205 → TRANSIENT として呼び出し側でリトライ）
	if _, err = tx.ExecContext(ctx, fmt.Sprintf(`SET innodb_lock_wait_timeout = %d`, lockWaitSeconds)); err != nil {
		return translateErr(err)
	}

	q := fmt.Sprintf(`SELECT %s FROM books WHERE book_id = ? FOR UPDATE`, bookColumns)
	var b *Book
	b, err = scanBook(tx.QueryRowContext(ctx, q, bookID))
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound("book not found")
		return err
	}
	if err != nil {
		err = translateErr(err)
		return err
	}

	if err = fn(&bookTx{ctx: ctx, tx: tx, book: b}); err != nil {
		err = translateErr(err)
		return err
	}
	return tx.Commit()
}

func (t *bookTx) Book() *Book { return t.book }

func (t *bookTx) Update(b *Book) error {
	const q = `
	UPDATE books
	SET title = ?, author = ?, genre = ?, description = ?,
	    total_copies = ?, available_copies = ?, updated_at = CURRENT_TIMESTAMP
	WHERE book_id = ?`
	res, err := t.tx.ExecContext(t.ctx, q,
		b.Title, b.Author, b.Genre, nullStrOrNil(b.Description),
		b.TotalCopies, b.AvailableCopies, b.BookID,
	)
	if err != nil {
		return err
	}
	if aff, _ := res.RowsAffected(); aff != 1 {
		return ErrInternal("failed to update books row")
	}
	return nil
}

func (t *bookTx) OpenLoanCount() (int64, error) {
	const q = `SELECT COUNT(*) FROM loans WHERE book_id = ? AND closed = 0`
	var n int64
	if err := t.tx.QueryRowContext(t.ctx, q, t.book.BookID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *bookTx) Delete() error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM books WHERE book_id = ?`, t.book.BookID)
	return err
}

// ---- helpers ----

// 1205 = ER_LOCK_WAIT_TIMEOUT, 1451 = ER_ROW_IS_REFERENCED_2
func translateErr(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case 1205:
			return ErrTransient("lock wait timeout")
		case 1451:
			// loans からの外部キー参照。返却済みでも loan は消さないので、
			// 貸出履歴のある本の削除はここで必ず弾かれる
			return ErrConflict("book has loan history")
		}
	}
	return err
}

func nullStrOrNil(ns sql.NullString) any {
	if ns.Valid {
		return ns.String
	}
	return nil
}
