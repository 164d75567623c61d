package errors

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	logf(r, "[ERROR]", message, err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	logf(r, "[WARN]", "bad request", err)
	http.Error(w, clientMessage, http.StatusBadRequest)
}

func NotFoundError(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "not found", http.StatusNotFound)
}

func UnauthorizedError(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "authentication required", http.StatusUnauthorized)
}

func BadGatewayError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	logf(r, "[WARN]", "upstream failure", err)
	http.Error(w, clientMessage, http.StatusBadGateway)
}

func LogError(r *http.Request, message string, err error) {
	logf(r, "[ERROR]", message, err)
}

func LogInfo(r *http.Request, message string) {
	requestID := middleware.GetReqID(r.Context())
	if requestID != "" {
		log.Printf("[INFO] RequestID=%s: %s", requestID, message)
	} else {
		log.Printf("[INFO] %s", message)
	}
}

func logf(r *http.Request, level, message string, err error) {
	requestID := middleware.GetReqID(r.Context())
	if requestID != "" {
		log.Printf("%s RequestID=%s: %s: %v", level, requestID, message, err)
	} else {
		log.Printf("%s %s: %v", level, message, err)
	}
}
