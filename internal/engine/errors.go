package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alessiobussolari/better-model-sub003/internal/metadata"
	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

// ConfigurationError is raised while building a schema, never while searching.
type ConfigurationError = metadata.ConfigurationError

// InvalidPredicateError reports an unknown predicate name together with
// every name the schema accepts.
type InvalidPredicateError struct {
	Model string
	Name  string
	Valid []string
}

func (e *InvalidPredicateError) Error() string {
	return fmt.Sprintf("invalid predicate %q for %s; valid predicates: %s",
		e.Name, e.Model, strings.Join(e.Valid, ", "))
}

func (e *InvalidPredicateError) Code() string { return "INVALID_PREDICATE" }

// InvalidOrderError reports an unknown sort name or sort field.
type InvalidOrderError struct {
	Model string
	Name  string
	Valid []string
}

func (e *InvalidOrderError) Error() string {
	return fmt.Sprintf("invalid order %q for %s; valid sorts: %s",
		e.Name, e.Model, strings.Join(e.Valid, ", "))
}

func (e *InvalidOrderError) Code() string { return "INVALID_ORDER" }

// RequiredPredicateError reports mandatory predicates missing from a scoped search.
type RequiredPredicateError struct {
	Scope   string
	Missing []string
}

func (e *RequiredPredicateError) Error() string {
	return fmt.Sprintf("scope %q requires predicates: %s", e.Scope, strings.Join(e.Missing, ", "))
}

func (e *RequiredPredicateError) Code() string { return "REQUIRED_PREDICATE_MISSING" }

// ArgumentError reports a malformed value for a predicate, order or eager-load path.
type ArgumentError struct {
	Name    string
	Message string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid argument for %s: %s", e.Name, e.Message)
}

func (e *ArgumentError) Code() string { return "INVALID_ARGUMENT" }

func argError(name, format string, args ...any) *ArgumentError {
	return &ArgumentError{Name: name, Message: fmt.Sprintf(format, args...)}
}

// SearchLimitError reports a search that exceeds a configured size limit.
type SearchLimitError struct {
	Limit string
	Max   int
	Got   int
}

func (e *SearchLimitError) Error() string {
	return fmt.Sprintf("too many %s: %d (max %d)", e.Limit, e.Got, e.Max)
}

func (e *SearchLimitError) Code() string { return "SEARCH_LIMIT_EXCEEDED" }

// PaginationError reports an invalid page request.
type PaginationError struct {
	Page    int
	Message string
}

func (e *PaginationError) Error() string {
	return fmt.Sprintf("invalid page %d: %s", e.Page, e.Message)
}

func (e *PaginationError) Code() string { return "INVALID_PAGE" }

// ToAppError converts search errors into the HTTP error shape. Errors it
// doesn't recognize are returned as nil.
func ToAppError(err error) *AppError {
	var (
		appErr   *AppError
		predErr  *InvalidPredicateError
		orderErr *InvalidOrderError
		reqErr   *RequiredPredicateError
		argErr   *ArgumentError
		limitErr *SearchLimitError
		pageErr  *PaginationError
	)
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.As(err, &predErr):
		return &AppError{Code: predErr.Code(), Status: 400, Message: predErr.Error(),
			Details: []ErrorDetail{{Field: predErr.Name, Rule: "unknown", Message: "unknown predicate"}}}
	case errors.As(err, &orderErr):
		return &AppError{Code: orderErr.Code(), Status: 400, Message: orderErr.Error(),
			Details: []ErrorDetail{{Field: orderErr.Name, Rule: "unknown", Message: "unknown sort"}}}
	case errors.As(err, &reqErr):
		details := make([]ErrorDetail, len(reqErr.Missing))
		for i, name := range reqErr.Missing {
			details[i] = ErrorDetail{Field: name, Rule: "required", Message: "predicate is required"}
		}
		return &AppError{Code: reqErr.Code(), Status: 400, Message: reqErr.Error(), Details: details}
	case errors.As(err, &argErr):
		return &AppError{Code: argErr.Code(), Status: 422, Message: argErr.Error(),
			Details: []ErrorDetail{{Field: argErr.Name, Rule: "argument", Message: argErr.Message}}}
	case errors.As(err, &limitErr):
		return &AppError{Code: limitErr.Code(), Status: 400, Message: limitErr.Error()}
	case errors.As(err, &pageErr):
		return &AppError{Code: pageErr.Code(), Status: 400, Message: pageErr.Error()}
	case errors.Is(err, store.ErrNotFound):
		return &AppError{Code: "NOT_FOUND", Status: 404, Message: err.Error()}
	}
	return nil
}
