package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nerrad567/jukebox-core/internal/checkpoint"
	"github.com/nerrad567/jukebox-core/internal/checksum"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/logging"
	"github.com/nerrad567/jukebox-core/internal/metrics"
	"github.com/nerrad567/jukebox-core/internal/retry"
	"github.com/nerrad567/jukebox-core/internal/throttle"
)

const (
	// DefaultQuantum is the checkpoint interval in bytes.
	DefaultQuantum = 1 << 20

	bufferSize = 32 << 10
)

// Options configure a Manager. Dir and Checkpoints are required.
type Options struct {
	Dir         string
	Checkpoints checkpoint.Store

	// Throttle limits throughput across all transfers; nil is unlimited.
	Throttle *throttle.Bucket

	// Retry decides whether transient failures are retried; nil uses
	// retry defaults.
	Retry *retry.Policy

	// Checksum verifies completed files; nil is SHA-256.
	Checksum *checksum.Service

	// Client performs HEAD and GET requests.
	Client *http.Client

	// Quantum is the checkpoint interval in bytes; zero is DefaultQuantum.
	Quantum int64

	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// Request names one download.
type Request struct {
	ContentID string
	URL       string

	// Digest is the expected hex digest; empty skips verification.
	Digest string

	// Progress, if set, is called as bytes arrive. It runs on the
	// transfer goroutine and must not block.
	Progress func(Progress)
}

// Progress is a snapshot of a running transfer.
type Progress struct {
	ContentID      string  `json:"contentId"`
	BytesCompleted int64   `json:"bytesCompleted"`
	TotalBytes     int64   `json:"totalBytes"`
	Percent        float64 `json:"percent"`
}

// Result describes a finished download.
type Result struct {
	ContentID   string `json:"contentId"`
	Path        string `json:"path"`
	Bytes       int64  `json:"bytes"`
	Digest      string `json:"digest"`
	ResumedFrom int64  `json:"resumedFrom,omitempty"`

	// Existing is set when the file was already present and verified.
	Existing bool `json:"existing,omitempty"`
}

// Manager runs downloads. It is safe for concurrent use.
type Manager struct {
	dir         string
	checkpoints checkpoint.Store
	throttle    *throttle.Bucket
	retry       *retry.Policy
	sums        *checksum.Service
	client      *http.Client
	quantum     int64
	metrics     *metrics.Metrics
	logger      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
}

// NewManager creates the download directory if needed and returns a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("transfer: dir is required")
	}
	if opts.Checkpoints == nil {
		return nil, fmt.Errorf("transfer: checkpoint store is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating download dir: %w", err)
	}
	if opts.Throttle == nil {
		opts.Throttle = throttle.New(0)
	}
	if opts.Retry == nil {
		opts.Retry = retry.New(retry.Config{})
	}
	if opts.Checksum == nil {
		opts.Checksum = checksum.Default()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}}
	}
	if opts.Quantum <= 0 {
		opts.Quantum = DefaultQuantum
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dir:         opts.Dir,
		checkpoints: opts.Checkpoints,
		throttle:    opts.Throttle,
		retry:       opts.Retry,
		sums:        opts.Checksum,
		client:      opts.Client,
		quantum:     opts.Quantum,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With("component", "transfer"),
		ctx:         ctx,
		cancel:      cancel,
		tasks:       make(map[string]*task),
	}, nil
}

// Path returns where a completed item is stored.
func (m *Manager) Path(contentID string) string {
	return filepath.Join(m.dir, contentID)
}

// Checkpoints returns the checkpoint store in use.
func (m *Manager) Checkpoints() checkpoint.Store {
	return m.checkpoints
}

// Throttle returns the shared throttle.
func (m *Manager) Throttle() *throttle.Bucket {
	return m.throttle
}

// Active lists the content IDs with a transfer in flight.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	return ids
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`) && !strings.HasSuffix(id, ".part")
}

// Download fetches req.URL into Path(req.ContentID). If a transfer for the
// same ID is running, the call attaches to it and returns its result. A
// caller whose ctx ends stops waiting; the transfer itself stops only
// when no caller is left, and keeps its checkpoint for a later resume.
func (m *Manager) Download(ctx context.Context, req Request) (*Result, error) {
	if !validID(req.ContentID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, req.ContentID)
	}
	if req.URL == "" {
		return nil, fmt.Errorf("transfer: url is required")
	}

	var t *task
	for t == nil {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		existing, ok := m.tasks[req.ContentID]
		if ok && existing.ctx.Err() != nil {
			// Still winding down; wait so two transfers never share a file.
			m.mu.Unlock()
			select {
			case <-existing.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if ok {
			t = existing
		} else {
			t = newTask(m.ctx, req.ContentID)
			m.tasks[req.ContentID] = t
			m.wg.Add(1)
			go m.run(t, req)
		}
		t.waiters++
		t.subscribe(req.Progress)
		m.mu.Unlock()
	}

	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		m.mu.Lock()
		t.waiters--
		if t.waiters == 0 {
			t.cancel(ctx.Err())
		}
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Cancel aborts the transfer for contentID, clears its checkpoint and
// partial file, and waits for it to stop. It reports whether a transfer
// was running.
func (m *Manager) Cancel(contentID string) bool {
	m.mu.Lock()
	t, ok := m.tasks[contentID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel(ErrCancelled)
	<-t.done
	return true
}

// Remove cancels any running transfer and deletes the file, the partial
// file and the checkpoint for contentID.
func (m *Manager) Remove(ctx context.Context, contentID string) error {
	if !validID(contentID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, contentID)
	}
	m.Cancel(contentID)

	var errs []error
	for _, p := range []string{m.Path(contentID), m.Path(contentID) + ".part"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := m.checkpoints.Delete(ctx, contentID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close cancels every transfer, keeping checkpoints, and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.client.CloseIdleConnections()
}

func (m *Manager) run(t *task, req Request) {
	defer m.wg.Done()

	started := time.Now()
	m.metrics.TransferStarted()
	log := m.logger.With("content_id", req.ContentID)

	res, err := m.transfer(t, req, log)

	outcome := "success"
	switch {
	case err == nil:
		rate := float64(res.Bytes-res.ResumedFrom) / max(time.Since(started).Seconds(), 0.001)
		log.Info("transfer complete",
			"size", humanize.IBytes(uint64(res.Bytes)),
			"resumed_from", humanize.IBytes(uint64(res.ResumedFrom)),
			"rate", humanize.IBytes(uint64(rate))+"/s",
		)
	case errors.Is(context.Cause(t.ctx), ErrCancelled):
		outcome = "cancelled"
		err = ErrCancelled
		m.discard(req.ContentID, log)
		log.Info("transfer cancelled")
	case errors.Is(err, ErrIntegrity):
		outcome = "integrity"
		log.Error("transfer failed integrity check", "error", err)
	default:
		outcome = "failed"
		log.Warn("transfer failed", "error", err)
	}
	m.metrics.TransferFinished(outcome, time.Since(started).Seconds())

	m.mu.Lock()
	if m.tasks[req.ContentID] == t {
		delete(m.tasks, req.ContentID)
	}
	m.mu.Unlock()

	t.result, t.err = res, err
	t.cancel(nil)
	close(t.done)
}

func (m *Manager) transfer(t *task, req Request, log *logging.Logger) (*Result, error) {
	ctx := t.ctx
	defer m.retry.Reset(req.ContentID)

	for {
		res, err := m.attempt(ctx, t, req, log)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		if errors.Is(err, ErrIntegrity) || !m.retry.ShouldRetry(err, req.ContentID) {
			return nil, err
		}

		delay := m.retry.NextDelay(req.ContentID)
		m.metrics.TransferRetried()
		log.Warn("transfer attempt failed, retrying",
			"attempt", m.retry.Attempts(req.ContentID),
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, context.Cause(ctx)
		case <-timer.C:
		}
	}
}

func (m *Manager) attempt(ctx context.Context, t *task, req Request, log *logging.Logger) (*Result, error) {
	total, err := m.probe(ctx, req.URL)
	if err != nil {
		return nil, err
	}

	final := m.Path(req.ContentID)
	part := final + ".part"

	if info, err := os.Stat(final); err == nil && info.Size() == total && req.Digest != "" {
		if m.sums.VerifyFile(final, req.Digest) == nil {
			t.report(total, total)
			return &Result{ContentID: req.ContentID, Path: final, Bytes: total, Digest: checksum.Normalize(req.Digest), Existing: true}, nil
		}
	}

	start := m.resumePoint(ctx, req.ContentID, part, total, log)

	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening partial file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(start); err != nil {
		return nil, fmt.Errorf("truncating partial file: %w", err)
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking partial file: %w", err)
	}

	resumedFrom := start
	if start < total {
		if resumedFrom, err = m.stream(ctx, t, req, f, start, total, log); err != nil {
			return nil, err
		}
	}

	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("syncing partial file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing partial file: %w", err)
	}

	done := checkpoint.Checkpoint{BytesDownloaded: total, TotalBytes: total, Completed: true}
	if err := m.checkpoints.Put(ctx, req.ContentID, done); err != nil {
		return nil, fmt.Errorf("saving checkpoint: %w", err)
	}

	if err := m.sums.VerifyFile(part, req.Digest); err != nil {
		if errors.Is(err, checksum.ErrDigestMismatch) {
			m.discard(req.ContentID, log)
			return nil, fmt.Errorf("%w: %s: %w", ErrIntegrity, req.ContentID, err)
		}
		return nil, err
	}

	digest := checksum.Normalize(req.Digest)
	if digest == "" {
		if digest, err = m.sums.SumFile(part); err != nil {
			return nil, err
		}
	}
	if err := os.Rename(part, final); err != nil {
		return nil, fmt.Errorf("finalising %s: %w", req.ContentID, err)
	}

	return &Result{
		ContentID:   req.ContentID,
		Path:        final,
		Bytes:       total,
		Digest:      digest,
		ResumedFrom: resumedFrom,
	}, nil
}

// probe returns the source length from a HEAD request.
func (m *Manager) probe(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("building HEAD request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probing %s: %w", url, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{Code: resp.StatusCode, URL: url}
	}
	if resp.ContentLength < 0 {
		return 0, ErrUnknownLength
	}
	return resp.ContentLength, nil
}

// resumePoint returns the offset to continue from, or 0 when the
// checkpoint is missing, belongs to a different length, or is not backed
// by the partial file.
func (m *Manager) resumePoint(ctx context.Context, contentID, part string, total int64, log *logging.Logger) int64 {
	cp, err := m.checkpoints.Get(ctx, contentID)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			log.Warn("reading checkpoint failed, starting over", "error", err)
		}
		return 0
	}
	info, err := os.Stat(part)
	if err != nil || cp.TotalBytes != total {
		return 0
	}
	if cp.Completed {
		if info.Size() == total {
			return total
		}
		return 0
	}
	if info.Size() < cp.BytesDownloaded {
		log.Warn("partial file shorter than checkpoint, starting over",
			"checkpoint", cp.BytesDownloaded, "file", info.Size())
		return 0
	}
	return cp.BytesDownloaded
}

// stream GETs bytes [start, total) into f. It returns the offset the body
// actually started at, which is 0 when the server ignored the range.
func (m *Manager) stream(ctx context.Context, t *task, req Request, f *os.File, start, total int64, log *logging.Logger) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return start, fmt.Errorf("building GET request: %w", err)
	}
	httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, total-1))

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return start, fmt.Errorf("requesting %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if start > 0 {
			log.Info("source ignored range, restarting from zero", "requested_from", start)
			if err := f.Truncate(0); err != nil {
				return start, fmt.Errorf("truncating partial file: %w", err)
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return start, fmt.Errorf("seeking partial file: %w", err)
			}
			start = 0
		}
	default:
		return start, &StatusError{Code: resp.StatusCode, URL: req.URL}
	}

	w := newCheckpointWriter(m.checkpoints, req.ContentID, log)
	defer w.Close()

	snapshot := func(n int64) checkpoint.Checkpoint {
		return checkpoint.Checkpoint{BytesDownloaded: n, TotalBytes: total}
	}

	t.report(start, total)
	buf := make([]byte, bufferSize)
	written, lastCheckpoint := start, start
	for written < total {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if rest := total - written; int64(n) > rest {
				n = int(rest)
			}
			if err := m.throttle.Consume(ctx, n); err != nil {
				w.Submit(snapshot(written))
				return start, err
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return start, fmt.Errorf("writing partial file: %w", err)
			}
			written += int64(n)
			m.metrics.TransferBytes(n)
			t.report(written, total)

			if written-lastCheckpoint >= m.quantum {
				w.Submit(snapshot(written))
				lastCheckpoint = written
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			w.Submit(snapshot(written))
			return start, fmt.Errorf("reading %s at byte %d: %w", req.ContentID, written, rerr)
		}
	}

	if written < total {
		w.Submit(snapshot(written))
		return start, fmt.Errorf("stream ended at %d of %d bytes: %w", written, total, io.ErrUnexpectedEOF)
	}
	return start, nil
}

// discard drops the checkpoint and partial file for contentID.
func (m *Manager) discard(contentID string, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), checkpointWriteTimeout)
	defer cancel()
	if err := m.checkpoints.Delete(ctx, contentID); err != nil {
		log.Warn("clearing checkpoint failed", "error", err)
	}
	if err := os.Remove(m.Path(contentID) + ".part"); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("removing partial file failed", "error", err)
	}
}
