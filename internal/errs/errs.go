package errs

import "errors"

// Session and actor errors shared by the store, the HTTP layer and the API client.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrAlreadyJoined     = errors.New("session already joined by another admin")
	ErrSessionClosed     = errors.New("session is closed")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrForbidden         = errors.New("forbidden")
)

var codes = map[error]string{
	ErrSessionNotFound:   "not_found",
	ErrAlreadyJoined:     "already_joined",
	ErrSessionClosed:     "session_closed",
	ErrInvalidTransition: "invalid_transition",
	ErrNotAuthenticated:  "not_authenticated",
	ErrForbidden:         "forbidden",
}

// Code returns the wire code of the first sentinel err wraps, or "".
func Code(err error) string {
	for sentinel, code := range codes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

func FromCode(code string) error {
	for sentinel, c := range codes {
		if c == code {
			return sentinel
		}
	}
	return nil
}
