// Package ioagent implements the I/O-bound worker pool of spec.md §4.4: a
// fixed number of goroutines pulling download requests off a shared channel,
// retrying transient transport failures with backoff, and publishing
// results on a shared result channel. Generalized from the teacher's
// gitlib.Worker request/response channel pattern, dropping the
// runtime.LockOSThread/CGOBridge machinery that pattern needed only because
// libgit2 required single-threaded access — plain HTTP clients carry no
// such constraint.
package ioagent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Sumatoshi-tech/crateminer/internal/errkind"
	"github.com/Sumatoshi-tech/crateminer/internal/model"
)

// DownloadRequest asks the pool to fetch url and store it under destDir,
// named by the download kind (crate tarball, db dump, ...).
type DownloadRequest struct {
	FQKey    string
	Kind     string
	URL      string
	DestDir  string
	Response chan<- DownloadResponse
}

// DownloadResponse is the outcome of a DownloadRequest.
type DownloadResponse struct {
	FQKey       string
	Path        string
	ContentType *string
	Size        int64
	Error       error
}

// Pool is a fixed-size group of download workers sharing one request channel.
type Pool struct {
	client   *http.Client
	requests chan DownloadRequest
	done     chan struct{}
	size     int
}

// New builds a Pool of size workers using client (http.DefaultClient if nil)
// to perform requests, consuming from requests.
func New(size int, client *http.Client, requests chan DownloadRequest) *Pool {
	if client == nil {
		client = http.DefaultClient
	}

	return &Pool{client: client, requests: requests, done: make(chan struct{}, size), size: size}
}

// Start launches the pool's workers. The caller must close the requests
// channel to trigger shutdown, then call Stop to wait for drain.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		go p.run(ctx)
	}
}

// Stop waits for every worker to exit after the requests channel is closed.
func (p *Pool) Stop() {
	for i := 0; i < p.size; i++ {
		<-p.done
	}
}

func (p *Pool) run(ctx context.Context) {
	defer func() { p.done <- struct{}{} }()

	for req := range p.requests {
		req.Response <- p.handle(ctx, req)
	}
}

func (p *Pool) handle(ctx context.Context, req DownloadRequest) DownloadResponse {
	var resp DownloadResponse
	resp.FQKey = req.FQKey

	op := func() error {
		path, contentType, size, err := p.download(ctx, req)
		if err != nil {
			if errkind.Is(err, errkind.Transport) {
				return err // retryable
			}

			return backoff.Permanent(err)
		}

		resp.Path, resp.ContentType, resp.Size = path, contentType, size

		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)

	if err := backoff.Retry(op, bo); err != nil {
		resp.Error = err
	}

	return resp
}

func (p *Pool) download(ctx context.Context, req DownloadRequest) (path string, contentType *string, size int64, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return "", nil, 0, errkind.New(errkind.Bug, err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", nil, 0, errkind.New(errkind.Transport, fmt.Errorf("GET %s: %w", req.URL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", nil, 0, errkind.New(errkind.Transport, fmt.Errorf("GET %s: status %d", req.URL, resp.StatusCode))
	}

	if resp.StatusCode >= 400 {
		return "", nil, 0, errkind.New(errkind.Message, fmt.Errorf("GET %s: status %d", req.URL, resp.StatusCode))
	}

	if err := os.MkdirAll(req.DestDir, 0o755); err != nil {
		return "", nil, 0, errkind.New(errkind.Persistence, err)
	}

	tmp, err := os.CreateTemp(req.DestDir, req.Kind+"-*.tmp")
	if err != nil {
		return "", nil, 0, errkind.New(errkind.Persistence, err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()

		return "", nil, 0, errkind.New(errkind.Transport, fmt.Errorf("copy body for %s: %w", req.URL, err))
	}

	if err := tmp.Close(); err != nil {
		return "", nil, 0, errkind.New(errkind.Persistence, err)
	}

	finalPath := filepath.Join(req.DestDir, req.Kind)

	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		return "", nil, 0, errkind.New(errkind.Persistence, err)
	}

	var ct *string

	if v := resp.Header.Get("Content-Type"); v != "" {
		ct = &v
	}

	return finalPath, ct, n, nil
}

// ToTaskResult builds the model.TaskResult a successful DownloadResponse
// contributes to the ledger.
func ToTaskResult(kind, url string, r DownloadResponse) model.TaskResult {
	return model.TaskResult{
		Kind:          model.ResultDownload,
		DownloadKind:  kind,
		URL:           url,
		ContentLength: uint32(r.Size),
		ContentType:   r.ContentType,
	}
}

// DeadlineFor returns a per-request deadline from now, matching the
// teacher's timeout-per-unit convention rather than one deadline for the
// whole pool.
func DeadlineFor(now time.Time, perRequest time.Duration) time.Time {
	return now.Add(perRequest)
}
