package catalog

import "time"

// ===== Requests =====

type CreateBookRequest struct {
	Title       string  `json:"title" binding:"required"`
	Author      string  `json:"author" binding:"required"`
	ISBN        string  `json:"isbn" binding:"required"`
	Genre       string  `json:"genre" binding:"required"`
	Description *string `json:"description,omitempty"`
	TotalCopies int     `json:"total_copies"`
}

type UpdateBookRequest struct {
	Title       *string `json:"title,omitempty"`
	Author      *string `json:"author,omitempty"`
	Genre       *string `json:"genre,omitempty"`
	Description *string `json:"description,omitempty"`
	TotalCopies *int    `json:"total_copies,omitempty"`
}

// ===== Responses =====

type BookResponse struct {
	BookULID        string    `json:"book_ulid"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	ISBN            string    `json:"isbn"`
	Genre           string    `json:"genre"`
	Description     *string   `json:"description,omitempty"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Page struct {
	Limit  int
	Offset int
	Order  string
}

func buildBookResponse(b *Book) BookResponse {
	resp := BookResponse{
		BookULID:        b.BookULID,
		Title:           b.Title,
		Author:          b.Author,
		ISBN:            b.ISBN,
		Genre:           b.Genre,
		TotalCopies:     b.TotalCopies,
		AvailableCopies: b.AvailableCopies,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
	if b.Description.Valid {
		val := b.Description.String
		resp.Description = &val
	}
	return resp
}
