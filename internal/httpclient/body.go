package httpclient

import (
	"fmt"
	"io"
	"net/http"
)

// ReadBody drains the response body, refusing bodies larger than limit
// bytes so a misbehaving gateway cannot exhaust memory. A non-positive
// limit reads the body whole.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(resp.Body)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return data, nil
}
