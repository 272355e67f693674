// Package sqliteworker implements both sides of the SQL worker protocol:
// workers materialize tables into ephemeral in-memory SQLite databases and
// run read queries against them.
//
//	POST   /databases/{id}  {"tables": [...], "query": "..."}
//	DELETE /databases/{id}
//	DELETE /databases
//
// Every response is {"error": string|null, "error_code": string|null,
// "response": [...]|null}.
package sqliteworker

import (
	"fmt"

	"pipecore/internal/store"
)

// Error codes reported in the error_code field.
const (
	CodeTooManyResultRows = "too_many_result_rows"
	CodeResultTooLarge    = "result_too_large"
	CodeQueryExecution    = "query_execution_error"
	CodeInvalidRequest    = "invalid_request"
	CodeInternal          = "internal_error"
)

// QueryRequest is the body of POST /databases/{id}.
type QueryRequest struct {
	Tables []store.Table `json:"tables"`
	Query  string        `json:"query"`
}

// QueryResult is one result row.
type QueryResult struct {
	Value map[string]any `json:"value"`
}

// Envelope wraps every worker response.
type Envelope[T any] struct {
	Error     *string `json:"error"`
	ErrorCode *string `json:"error_code"`
	Response  *T      `json:"response"`
}

func okEnvelope[T any](response T) Envelope[T] {
	return Envelope[T]{Response: &response}
}

func errEnvelope(code, message string) Envelope[[]QueryResult] {
	return Envelope[[]QueryResult]{Error: &message, ErrorCode: &code}
}

// ClientError is a local failure to build, send or decode a worker request.
// Callers may retry against another worker.
type ClientError struct {
	Op  string
	Err error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("sqlite worker client error (%s): %v", e.Op, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

// ServerError is a failure reported by the worker.
type ServerError struct {
	Message    string
	Code       string
	HTTPStatus int
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("sqlite worker error [%s] (status %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("sqlite worker error (status %d): %s", e.HTTPStatus, e.Message)
}

// ExceededMaxRowsError is raised by the worker when a query returns more
// rows than allowed.
type ExceededMaxRowsError struct {
	Limit int
}

func (e *ExceededMaxRowsError) Error() string {
	return fmt.Sprintf("query returned more than %d rows", e.Limit)
}

// ResultTooLargeError is raised by the worker when the serialized result
// exceeds the byte budget.
type ResultTooLargeError struct {
	Limit int
}

func (e *ResultTooLargeError) Error() string {
	return fmt.Sprintf("query result exceeds %d bytes", e.Limit)
}
