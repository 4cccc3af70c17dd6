package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ObjectStore reads and writes binary objects such as vehicle photos.
type ObjectStore interface {
	Download(ctx context.Context, bucket, path string) ([]byte, error)
	Upload(ctx context.Context, bucket, path, contentType string, data []byte) error
	Remove(ctx context.Context, bucket, path string) error
}

// Download implements ObjectStore. A missing object is reported as an *Error
// with status 404; see IsNotFound.
func (c *HTTPClient) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	var data []byte
	err := c.send(ctx, "download", http.MethodGet, objectPath(bucket, path), nil, "", nil, c.maxRetries,
		func(payload []byte) error {
			data = payload
			return nil
		})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Upload implements ObjectStore. Existing objects are overwritten.
func (c *HTTPClient) Upload(ctx context.Context, bucket, path, contentType string, data []byte) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if data == nil {
		data = []byte{}
	}
	headers := map[string]string{"x-upsert": "true"}
	return c.send(ctx, "upload", http.MethodPost, objectPath(bucket, path), headers, contentType, data, c.maxRetries,
		func([]byte) error { return nil })
}

// Remove implements ObjectStore. Removing a missing object is not an error.
func (c *HTTPClient) Remove(ctx context.Context, bucket, path string) error {
	body := map[string][]string{"prefixes": {path}}
	err := c.do(ctx, "remove", http.MethodDelete, "/storage/v1/object/"+url.PathEscape(bucket), nil, body, nil, c.maxRetries)
	if err != nil && IsNotFound(err) {
		return nil
	}
	return err
}

func objectPath(bucket, path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("/storage/v1/object/%s/%s", url.PathEscape(bucket), strings.Join(segments, "/"))
}
