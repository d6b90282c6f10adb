package faults

import "net/http"

// HTTPStatus maps err's kind to the status code the API responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuthorization, KindCompliance:
		return http.StatusForbidden
	case KindState:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindCrypto:
		return http.StatusUnauthorized
	case KindAmountMismatch:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Code is the machine-readable error code for err in API responses.
func Code(err error) string {
	return string(KindOf(err))
}
