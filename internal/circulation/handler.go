package circulation

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"LIBRA-backend/internal/platform/auth"
)

type Handler struct{ svc *Service }

func RegisterRoutes(r gin.IRoutes, svc *Service, secret []byte) {
	h := &Handler{svc: svc}
	authed := auth.RequireAuth(secret)
	admin := auth.RequireRole("admin")

	// 1. 貸出・返却（ログインユーザー本人）
	r.POST("/borrows", authed, h.Borrow)
	r.POST("/returns", authed, h.Return)

	// 2. 自分の貸出
	r.GET("/loans/active", authed, h.ListActive)
	r.GET("/loans/history", authed, h.ListHistory)

	// 3. 管理者用
	r.GET("/loans", authed, admin, h.ListAll)
	r.GET("/loans/export", authed, admin, h.Export)
}

// ---------- handlers ----------

// POST /borrows
func (h *Handler) Borrow(c *gin.Context) {
	var req BorrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "invalid json or missing required fields"))
		return
	}

	res, err := h.svc.BorrowBook(c.Request.Context(), c.GetString(auth.CtxUserIDKey), req.BookULID)
	if err != nil {
		c.JSON(ToHTTPStatus(err), errorFromErr(err))
		return
	}

	c.Header("Location", "/loans/"+res.LoanULID)
	c.JSON(http.StatusCreated, res)
}

// POST /returns
func (h *Handler) Return(c *gin.Context) {
	var req ReturnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "invalid json"))
		return
	}

	res, err := h.svc.ReturnBook(c.Request.Context(), c.GetString(auth.CtxUserIDKey), req.LoanULID)
	if err != nil {
		c.JSON(ToHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ListActive(c *gin.Context) {
	items, total, err := h.svc.ListActiveLoans(c.Request.Context(), c.GetString(auth.CtxUserIDKey), pageFromQuery(c))
	if err != nil {
		c.JSON(ToHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

func (h *Handler) ListHistory(c *gin.Context) {
	items, total, err := h.svc.ListHistory(c.Request.Context(), c.GetString(auth.CtxUserIDKey), pageFromQuery(c))
	if err != nil {
		c.JSON(ToHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

func (h *Handler) ListAll(c *gin.Context) {
	f := filterFromQuery(c)
	items, total, err := h.svc.ListAllLoans(c.Request.Context(), f, pageFromQuery(c))
	if err != nil {
		c.JSON(ToHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

// GET /loans/export?encoding=cp932
func (h *Handler) Export(c *gin.Context) {
	f := filterFromQuery(c)
	encoding := c.DefaultQuery("encoding", EncodingUTF8)

	data, err := h.svc.ExportLoansCSV(c.Request.Context(), f, encoding)
	if err != nil {
		c.JSON(ToHTTPStatus(err), errorFromErr(err))
		return
	}

	contentType := "text/csv; charset=utf-8"
	if encoding == EncodingCP932 {
		contentType = "text/csv; charset=Shift_JIS"
	}
	c.Header("Content-Disposition", `attachment; filename="loans.csv"`)
	c.Data(http.StatusOK, contentType, data)
}

// ---------- helpers ----------

func filterFromQuery(c *gin.Context) LoanFilter {
	f := LoanFilter{}
	if v := c.Query("user_id"); v != "" {
		f.UserID = &v
	}
	if v := c.Query("book_ulid"); v != "" {
		f.BookULID = &v
	}
	// status は保存していないので、フィルタ条件に展開する
	switch c.Query("status") {
	case string(StatusReturned):
		closed := true
		f.Closed = &closed
	case string(StatusActive):
		closed := false
		f.Closed = &closed
	case string(StatusOverdue):
		closed := false
		now := time.Now().UTC()
		f.Closed = &closed
		f.DueBefore = &now
	}
	return f
}

func pageFromQuery(c *gin.Context) Page {
	return Page{
		Limit:  parseIntDefault(c.Query("limit"), 50),
		Offset: parseIntDefault(c.Query("offset"), 0),
		Order:  c.DefaultQuery("order", "desc"),
	}
}

func parseIntDefault(s string, d int) int {
	if s == "" {
		return d
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return d
	}
	return v
}

type errorDTO struct {
	Error struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorBody(code Code, msg string) errorDTO {
	var e errorDTO
	e.Error.Code = code
	e.Error.Message = msg
	return e
}

func errorFromErr(err error) errorDTO {
	var msg string
	var code Code = CodeInternal
	if de, ok := err.(*DomainError); ok {
		code, msg = de.Code, de.Message
	} else {
		msg = err.Error()
	}
	return errorBody(code, msg)
}
