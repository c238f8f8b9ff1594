package circulation

import (
	"errors"
	"fmt"
	"net/http"
)

type DomainError struct {
	Code    Code
	Message string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeForbidden       Code = "FORBIDDEN"
	CodeConflict        Code = "CONFLICT"
	CodeNoCopies        Code = "NO_COPIES_AVAILABLE"
	CodeDuplicateBorrow Code = "DUPLICATE_BORROW"
	CodeAlreadyReturned Code = "ALREADY_RETURNED"
	CodeTransient       Code = "TRANSIENT"
	CodeInternal        Code = "INTERNAL"
)

func NewInvalidArgumentError(msg string) error {
	return &DomainError{Code: CodeInvalidArgument, Message: msg}
}

func NewNotFoundError(msg string) error {
	return &DomainError{Code: CodeNotFound, Message: msg}
}

func NewForbiddenError(msg string) error {
	return &DomainError{Code: CodeForbidden, Message: msg}
}

func NewConflictError(msg string) error {
	return &DomainError{Code: CodeConflict, Message: msg}
}

// 在庫ゼロ
func NewNoCopiesError() error {
	return &DomainError{Code: CodeNoCopies, Message: "no copies available"}
}

// 同一 (user, book) の未返却貸出は常に高々1件
func NewDuplicateBorrowError() error {
	return &DomainError{Code: CodeDuplicateBorrow, Message: "user already has an open loan for this book"}
}

// 返却は最初の1回だけ成功する
func NewAlreadyReturnedError() error {
	return &DomainError{Code: CodeAlreadyReturned, Message: "loan already returned"}
}

// 行ロック待ちタイムアウト等。呼び出し側で有限回リトライする
func NewTransientError(msg string) error {
	return &DomainError{Code: CodeTransient, Message: msg}
}

func IsCode(err error, code Code) bool {
	var de *DomainError
	return errors.As(err, &de) && de.Code == code
}

func ToHTTPStatus(err error) int {
	var de *DomainError
	if errors.As(err, &de) {
		switch de.Code {
		case CodeInvalidArgument:
			return http.StatusBadRequest
		case CodeNotFound:
			return http.StatusNotFound
		case CodeForbidden:
			return http.StatusForbidden
		case CodeConflict, CodeNoCopies, CodeDuplicateBorrow, CodeAlreadyReturned:
			return http.StatusConflict
		case CodeTransient:
			return http.StatusServiceUnavailable
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
