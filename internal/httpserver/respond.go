package httpserver

import (
	"net/http"

	"github.com/wisbric/forge/internal/httpresponse"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	httpresponse.Respond(w, status, data)
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse = httpresponse.ErrorResponse

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, errCode string, message string) {
	httpresponse.RespondError(w, status, errCode, message)
}
