package utils

// APIError is the error shape every handler and service returns for expected
// failures. The central middlewares.ErrorHandler maps it onto the HTTP response,
// so callers always see a stable machine code plus a human message.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Message
}

func Unauthenticated() *APIError {
	return &APIError{Status: 401, Code: "UNAUTHENTICATED", Message: "authentication required"}
}

// Forbidden is deliberately uniform: internal-auth failures never reveal whether
// the key, timestamp, signature or replay check was the problem.
func Forbidden() *APIError {
	return &APIError{Status: 403, Code: "FORBIDDEN", Message: "forbidden"}
}

func NotFound() *APIError {
	return &APIError{Status: 404, Code: "NOT_FOUND", Message: "not found"}
}

func Validation(message string) *APIError {
	return &APIError{Status: 400, Code: "VALIDATION_ERROR", Message: message}
}

// Conflict carries a named business-rule code (CHALLENGE_EXPIRED, NONCE_INVALID, ...).
func Conflict(code string, message string) *APIError {
	return &APIError{Status: 409, Code: code, Message: message}
}

func ServiceUnavailable(message string) *APIError {
	return &APIError{Status: 503, Code: "UPSTREAM_UNAVAILABLE", Message: message}
}

func Internal(message string) *APIError {
	return &APIError{Status: 500, Code: "INTERNAL_ERROR", Message: message}
}
