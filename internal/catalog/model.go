package catalog

import (
	"database/sql"
	"time"
)

// Book は books テーブルの1行を表す
type Book struct {
	BookID          int64
	BookULID        string
	Title           string
	Author          string
	ISBN            string
	Genre           string
	Description     sql.NullString
	TotalCopies     int
	AvailableCopies int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// 蔵書一覧の検索条件
type SearchQuery struct {
	Title  *string
	Author *string
	Genre  *string
	ISBN   *string
}
