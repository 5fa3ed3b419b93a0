package protocol

const (
	StatusSuccess           = 200
	StatusPartial           = 210
	StatusBadRequest        = 400
	StatusUnknownCommand    = 401
	StatusUnauthenticated   = 410
	StatusAuthFailed        = 411
	StatusInvalidArguments  = 412
	StatusInvalidOptions    = 413
	StatusForbidden         = 415
	StatusTooManyAttempts   = 429
	StatusHandlerException  = 500
	StatusShuttingDown      = 503
	StatusModuleDied        = 510
	StatusModuleUnreached   = 511
	StatusModuleInitFailed  = 592
	StatusHandlerFailure    = 600
	StatusUnavailableLocale = 601
)

var statusText = map[int]string{
	StatusSuccess:           "OK",
	StatusPartial:           "partial response",
	StatusBadRequest:        "bad request",
	StatusUnknownCommand:    "unknown command",
	StatusUnauthenticated:   "not authenticated",
	StatusAuthFailed:        "authentication failed",
	StatusInvalidArguments:  "invalid arguments",
	StatusInvalidOptions:    "invalid options",
	StatusForbidden:         "command not permitted",
	StatusTooManyAttempts:   "too many authentication attempts",
	StatusHandlerException:  "internal error in command handler",
	StatusShuttingDown:      "shutting down",
	StatusModuleDied:        "module process died unexpectedly",
	StatusModuleUnreached:   "could not connect to module process",
	StatusModuleInitFailed:  "module initialization failed",
	StatusHandlerFailure:    "command failed",
	StatusUnavailableLocale: "unavailable locale",
}

// StatusText returns a short description for code, or "" when unknown.
func StatusText(code int) string {
	return statusText[code]
}

// IsSuccess reports whether code is in the 2xx range.
func IsSuccess(code int) bool {
	return code >= 200 && code < 300
}
