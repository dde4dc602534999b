package cogoverlay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

// Default read-ahead size (64KB). Header and IFD reads are small and
// clustered at the start of a COG, so one fetch usually serves several.
const defaultReadAheadSize = 64 * 1024

// ErrRangeNotSatisfiable is returned when the server rejects a byte range.
var ErrRangeNotSatisfiable = errors.New("range not satisfiable")

// HTTPRangeReader implements io.ReaderAt over HTTP range requests. It keeps
// one read-ahead window so that small neighbouring reads share a request.
type HTTPRangeReader struct {
	url     string
	client  *fasthttp.Client
	size    int64
	timeout time.Duration

	mu            sync.Mutex
	buffer        []byte
	bufferStart   int64
	readAheadSize int
}

// NewHTTPRangeReader probes url with a HEAD request and returns a reader for
// it. A non-positive readAhead selects the default.
func NewHTTPRangeReader(ctx context.Context, url string, client *fasthttp.Client, readAhead int) (*HTTPRangeReader, error) {
	if readAhead <= 0 {
		readAhead = defaultReadAheadSize
	}
	rr := &HTTPRangeReader{
		url:           url,
		client:        client,
		size:          -1,
		timeout:       30 * time.Second,
		bufferStart:   -1,
		readAheadSize: readAhead,
	}
	if deadline, ok := ctx.Deadline(); ok {
		rr.timeout = time.Until(deadline)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodHead)
	if err := client.DoTimeout(req, resp, rr.timeout); err != nil {
		return nil, err
	}
	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusNotFound:
		return nil, fmt.Errorf("%s: not found", url)
	case code >= 400:
		return nil, fmt.Errorf("%s: unexpected status code: %d", url, code)
	}
	if n := resp.Header.ContentLength(); n > 0 {
		rr.size = int64(n)
	}
	return rr, nil
}

// ReadAt reads len(p) bytes at off. Reads that fit in the read-ahead window
// are served from it; larger reads go straight to the server.
func (rr *HTTPRangeReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset: %d", off)
	}
	if rr.size >= 0 && off >= rr.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	if len(p) > rr.readAheadSize {
		data, err := rr.fetchRange(off, off+int64(len(p))-1)
		if err != nil {
			return 0, err
		}
		n := copy(p, data)
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()

	end := off + int64(len(p))
	if rr.bufferStart < 0 || off < rr.bufferStart || end > rr.bufferStart+int64(len(rr.buffer)) {
		data, err := rr.fetchRange(off, off+int64(rr.readAheadSize)-1)
		if err != nil {
			return 0, err
		}
		rr.buffer = data
		rr.bufferStart = off
	}

	n := copy(p, rr.buffer[off-rr.bufferStart:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// fetchRange fetches bytes [start, end] from the server.
func (rr *HTTPRangeReader) fetchRange(start, end int64) ([]byte, error) {
	if rr.size > 0 && end >= rr.size {
		end = rr.size - 1
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rr.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	if err := rr.client.DoTimeout(req, resp, rr.timeout); err != nil {
		return nil, err
	}

	switch code := resp.StatusCode(); code {
	case fasthttp.StatusPartialContent:
	case fasthttp.StatusOK:
		// The server ignored the range and sent the whole object.
		body := resp.Body()
		if start >= int64(len(body)) {
			return nil, io.EOF
		}
		stop := min(end+1, int64(len(body)))
		return append([]byte(nil), body[start:stop]...), nil
	case fasthttp.StatusRequestedRangeNotSatisfiable:
		return nil, ErrRangeNotSatisfiable
	default:
		return nil, fmt.Errorf("unexpected status code: %d", code)
	}

	// Copy body since response will be released
	return append([]byte(nil), resp.Body()...), nil
}

// Size returns the object size, or -1 if the server did not report it.
func (rr *HTTPRangeReader) Size() int64 {
	return rr.size
}
