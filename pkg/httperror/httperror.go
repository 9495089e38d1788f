package httperror

import "fmt"

// HTTPError is returned by handlers to answer with a specific status code.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}
