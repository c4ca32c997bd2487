package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrNotFound           = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrAuthentication     = NewErr("AUTHENTICATION_FAILED", "paste not found", http.StatusNotFound)
	ErrConflict           = NewErr("ID_CONFLICT", "id already exists", http.StatusConflict)
	ErrIDSpaceExhausted   = NewErr("ID_SPACE_EXHAUSTED", "could not allocate paste id", http.StatusServiceUnavailable)
	ErrStorageUnavailable = NewErr("STORAGE_UNAVAILABLE", "storage unavailable", http.StatusServiceUnavailable)
	ErrCryptoFailure      = NewErr("CRYPTO_FAILURE", "stored paste is corrupt", http.StatusInternalServerError)
	ErrContentRequired    = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrPasteTooLarge      = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusRequestEntityTooLarge)
	ErrInvalidExpiry      = NewErr("INVALID_EXPIRY", "invalid expiry", http.StatusBadRequest)
	ErrInvalidExtension   = NewErr("INVALID_EXTENSION", "invalid extension", http.StatusBadRequest)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrUnauthorized       = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrShuttingDown       = NewErr("SHUTTING_DOWN", "service shutting down", http.StatusServiceUnavailable)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// StorageError carries a backend failure. It matches ErrStorageUnavailable
// under errors.Is and unwraps to the driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return "storage " + e.Op
	}
	return "storage " + e.Op + ": " + e.Err.Error()
}
func (e *StorageError) Unwrap() error { return e.Err }
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

func Unavailable(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string `json:"code"`
	Msg  string `json:"message"`
}

// codeOf finds the outermost coded error in the chain.
func codeOf(err error) *Err {
	var e *Err
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return ErrStorageUnavailable
	}
	return nil
}

func ToResp(err error) ErrResp {
	if e := codeOf(err); e != nil {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: ErrInternalServer.Code, Msg: ErrInternalServer.Msg}}
}

func Status(err error) int {
	if e := codeOf(err); e != nil {
		return e.Status
	}
	return http.StatusInternalServerError
}
