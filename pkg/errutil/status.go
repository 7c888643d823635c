package errutil

import "net/http"

// CoreStatus is the transport independent classification of an error.
type CoreStatus string

const (
	StatusBadRequest          CoreStatus = "bad_request"
	StatusValidationFailed    CoreStatus = "validation_failed"
	StatusUnauthorized        CoreStatus = "unauthorized"
	StatusForbidden           CoreStatus = "forbidden"
	StatusNotFound            CoreStatus = "not_found"
	StatusConflict            CoreStatus = "conflict"
	StatusUnprocessableEntity CoreStatus = "unprocessable_entity"
	StatusTooManyRequests     CoreStatus = "too_many_requests"
	StatusInternal            CoreStatus = "internal"
	StatusServiceUnavailable  CoreStatus = "service_unavailable"
	StatusTimeout             CoreStatus = "timeout"
	StatusUnknown             CoreStatus = "unknown"
)

// HTTPStatus maps the CoreStatus to the closest HTTP status code.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusBadRequest, StatusValidationFailed:
		return http.StatusBadRequest
	case StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict:
		return http.StatusConflict
	case StatusUnprocessableEntity:
		return http.StatusUnprocessableEntity
	case StatusTooManyRequests:
		return http.StatusTooManyRequests
	case StatusServiceUnavailable:
		return http.StatusServiceUnavailable
	case StatusTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
