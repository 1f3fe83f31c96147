package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
)

// Fetcher streams the content behind a URL into w and returns the number of
// bytes written. The resolver owns the destination file and its timeout.
type Fetcher interface {
	Fetch(ctx context.Context, u *url.URL, w io.Writer) (int64, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, u *url.URL, w io.Writer) (int64, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, u *url.URL, w io.Writer) (int64, error) {
	return f(ctx, u, w)
}

// HTTPFetcher downloads http and https URLs.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher returns a fetcher using client, or a default client.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{client: client, userAgent: "agenda"}
}

// Fetch issues a GET request. Any non-2xx status is a failure.
func (f *HTTPFetcher) Fetch(ctx context.Context, u *url.URL, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return copyWithContext(ctx, w, resp.Body)
}

// FileFetcher copies file:// URLs, which lets mirrors on shared drives sit in
// a fallback chain.
type FileFetcher struct{}

// Fetch copies the local file named by u.
func (FileFetcher) Fetch(ctx context.Context, u *url.URL, w io.Writer) (int64, error) {
	f, err := os.Open(u.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return copyWithContext(ctx, w, f)
}

// copyWithContext copies in ChunkSize reads, stopping when ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, ChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
