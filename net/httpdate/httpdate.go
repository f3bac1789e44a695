// Package httpdate samples a server's notion of current time from the Date
// header of an HTTPS response.

package httpdate

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

var errNoDateHeader = errors.New("response carries no parseable Date header")

// FetchDate issues a HEAD request to url and returns the server time parsed
// from the Date response header. If the HEAD request fails or the response
// carries no usable Date header, it falls back to a GET request. The caller
// bounds the overall exchange via ctx.
func FetchDate(ctx context.Context, c *http.Client, url string) (t time.Time, err error) {
	t, err = fetchDate(ctx, c, http.MethodHead, url)
	if err != nil {
		t, err = fetchDate(ctx, c, http.MethodGet, url)
	}
	return
}

func fetchDate(ctx context.Context, c *http.Client, method, url string) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return time.Time{}, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	d := resp.Header.Get("Date")
	if d == "" {
		return time.Time{}, errNoDateHeader
	}
	t, err := http.ParseTime(d)
	if err != nil {
		return time.Time{}, errNoDateHeader
	}
	return t, nil
}
