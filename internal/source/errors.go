package source

import "fmt"

// AuthError signals that the inbox session is expired or rejected and a
// transparent re-login did not help. The cycle treats it as hard.
type AuthError struct {
	StatusCode int
	Operation  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth rejected (HTTP %d) during %s", e.StatusCode, e.Operation)
}

// isAuthExpired reports whether an HTTP status means the session is gone.
func isAuthExpired(status int) bool {
	return status == 401 || status == 403
}
