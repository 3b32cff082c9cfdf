package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
)

// HTTPClient reads objects from a remote object store service.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) objectURL(container, name string) string {
	segs := strings.Split(name, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/containers/%s/objects/%s", c.baseURL, url.PathEscape(container), strings.Join(segs, "/"))
}

// Get downloads an object. A missing object is ErrObjectNotFound; server
// errors, transport failures and torn reads are transient.
func (c *HTTPClient) Get(ctx context.Context, container, name string) (*Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(container, name), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.Transient(fmt.Errorf("fetching %s: %w", objectRef(container, name), err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", apperrors.ErrObjectNotFound, objectRef(container, name))
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return nil, apperrors.Transient(fmt.Errorf("object store answered %d for %s", resp.StatusCode, objectRef(container, name)))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("object store answered %d for %s", resp.StatusCode, objectRef(container, name))
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Transient(fmt.Errorf("reading %s: %w", objectRef(container, name), err))
	}
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])
	if want := resp.Header.Get(headerSHA256); want != "" && !strings.EqualFold(want, digest) {
		return nil, apperrors.Transient(fmt.Errorf("checksum mismatch for %s", objectRef(container, name)))
	}

	info := ObjectInfo{
		Container:   container,
		Name:        name,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        int64(len(content)),
		SHA256:      digest,
	}
	if info.ContentType == "" {
		info.ContentType = ContentTypeFor(name)
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		info.ModifiedAt = lm.UTC()
	}
	return &Object{Info: info, Content: content}, nil
}

// Put uploads content, used by the CLI and tests.
func (c *HTTPClient) Put(ctx context.Context, container, name string, r io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(container, name), r)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", objectRef(container, name), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("object store answered %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
