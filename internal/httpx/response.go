package httpx

import (
	"fmt"
	"io"
	"net/http"
)

// WriteStatus writes a minimal plain-text HTTP/1.1 response with Connection: close.
// An empty body defaults to the status text.
func WriteStatus(w io.Writer, status int, body string) error {
	if body == "" {
		body = http.StatusText(status)
	}
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\nCache-Control: no-store\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
	return err
}
