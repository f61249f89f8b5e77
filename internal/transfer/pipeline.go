// Package transfer moves one job's bytes from the source store to the
// publishing API in two phases: download to a private staging file, then a
// resumable chunked upload from that file. Each phase has its own deadline
// and retries transient failures in place before giving up.
package transfer

import (
	"context"
	"crypto/md5" //nolint:gosec // content fingerprint, not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tonimelisma/vidbridge/internal/config"
	"github.com/tonimelisma/vidbridge/internal/sink"
	"github.com/tonimelisma/vidbridge/internal/store"
)

const (
	defaultChunkSize       = 10 * 1024 * 1024
	defaultDownloadTimeout = time.Hour
	defaultUploadTimeout   = 2 * time.Hour
	defaultMaxAttempts     = 3
	defaultRetryBase       = time.Second
	maxRetryWait           = time.Minute
	stagingPattern         = "vidbridge-*.staging"
)

// Source is the read side of a transfer.
type Source interface {
	Open(ctx context.Context, fileID string, offset int64) (io.ReadCloser, error)
}

// Sink is the resumable upload side of a transfer.
type Sink interface {
	CreateSession(ctx context.Context, meta sink.Metadata, size int64, contentType string) (*sink.Session, error)
	UploadChunk(ctx context.Context, s *sink.Session, chunk io.Reader, offset, length int64) (*sink.ChunkResult, error)
	QueryOffset(ctx context.Context, s *sink.Session) (*sink.ChunkResult, error)
}

// ProgressFunc receives overall progress in [0, 100]. It is called
// synchronously from the transfer goroutine and must not block.
type ProgressFunc func(percent float64, message string)

// Hooks let the caller observe and gate a transfer.
type Hooks struct {
	// BeforeUpload runs once, after the download, before any upload call.
	// resuming is true when an existing session will be continued, in
	// which case no new upload-class call is made. An error aborts the
	// transfer and is returned unchanged.
	BeforeUpload func(ctx context.Context, resuming bool) error
	Progress     ProgressFunc
}

// Request is one job's transfer input.
type Request struct {
	JobID  string
	Source store.SourceRef
	Meta   store.SinkMeta
}

// Result is a successful transfer's output.
type Result struct {
	SinkID  string
	URL     string
	Bytes   int64
	Resumed bool
}

// Options tune the pipeline.
type Options struct {
	StagingDir        string
	ChunkSize         int64
	MaxFileSize       int64
	MinFreeSpace      int64
	DownloadTimeout   time.Duration
	UploadTimeout     time.Duration
	MaxAttempts       int
	RetryBase         time.Duration
	VerifyFingerprint bool
}

// OptionsFromConfig maps the [transfers] section onto Options.
func OptionsFromConfig(t *config.TransfersConfig) Options {
	return Options{
		StagingDir:        t.StagingDir,
		ChunkSize:         config.Bytes(t.ChunkSize),
		MaxFileSize:       config.Bytes(t.MaxFileSize),
		MinFreeSpace:      config.Bytes(t.MinFreeSpace),
		DownloadTimeout:   config.Duration(t.DownloadTimeout),
		UploadTimeout:     config.Duration(t.UploadTimeout),
		MaxAttempts:       t.MaxAttempts,
		RetryBase:         config.Duration(t.RetryBase),
		VerifyFingerprint: t.VerifyFingerprint,
	}
}

func (o Options) withDefaults() Options {
	if o.StagingDir == "" {
		o.StagingDir = os.TempDir()
	}

	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}

	// Non-final chunks must be aligned.
	o.ChunkSize = max(o.ChunkSize-o.ChunkSize%sink.ChunkAlignment, sink.ChunkAlignment)

	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = defaultDownloadTimeout
	}

	if o.UploadTimeout <= 0 {
		o.UploadTimeout = defaultUploadTimeout
	}

	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}

	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}

	return o
}

// Pipeline runs transfers. It is safe for concurrent use; each Run owns its
// own staging file.
type Pipeline struct {
	opts      Options
	sessions  *SessionStore // nil disables resume across attempts
	limiter   *BandwidthLimiter
	logger    *slog.Logger
	freeSpace func(path string) (uint64, error)
}

// New builds a Pipeline. sessions and limiter may be nil.
func New(opts Options, sessions *SessionStore, limiter *BandwidthLimiter, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		opts:      opts.withDefaults(),
		sessions:  sessions,
		limiter:   limiter,
		logger:    logger,
		freeSpace: freeSpace,
	}
}

// Run downloads req's source into staging and uploads it to dst. The
// staging file is removed on every exit path.
//
// Errors: ErrCancelled when the job was cancelled, context.Canceled when
// the caller is shutting down, an error matching quota.ErrExceeded when
// the API refused for quota, *TransientError, *FatalError, or whatever
// Hooks.BeforeUpload returned.
func (p *Pipeline) Run(ctx context.Context, req Request, src Source, dst Sink, hooks Hooks) (*Result, error) {
	logger := p.logger.With(slog.String("job_id", req.JobID))
	prog := &progress{fn: hooks.Progress}

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	if err := p.preflight(req.Source.Size); err != nil {
		return nil, err
	}

	staging, err := os.CreateTemp(p.opts.StagingDir, stagingPattern)
	if err != nil {
		return nil, &TransientError{Op: "stage", Err: err}
	}
	defer removeStaging(staging, logger)

	prog.report(0, "Downloading")

	if err := p.download(ctx, req, src, staging, prog, logger); err != nil {
		return nil, err
	}

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	res, err := p.upload(ctx, req, dst, staging, hooks, prog, logger)
	if err != nil {
		return nil, err
	}

	prog.report(100, "Upload complete")

	logger.Info("transfer complete",
		slog.String("sink_id", res.SinkID),
		slog.Int64("bytes", res.Bytes),
		slog.Bool("resumed", res.Resumed),
	)

	return res, nil
}

// preflight rejects oversized files and checks staging headroom.
func (p *Pipeline) preflight(size int64) error {
	if p.opts.MaxFileSize > 0 && size > p.opts.MaxFileSize {
		return &FatalError{Op: "preflight", Err: fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, size, p.opts.MaxFileSize)}
	}

	if err := os.MkdirAll(p.opts.StagingDir, 0o700); err != nil { //nolint:mnd // owner-only staging
		return &TransientError{Op: "preflight", Err: err}
	}

	free, err := p.freeSpace(p.opts.StagingDir)
	if err != nil {
		p.logger.Warn("cannot determine free staging space",
			slog.String("dir", p.opts.StagingDir),
			slog.String("error", err.Error()),
		)

		return nil
	}

	need := size + p.opts.MinFreeSpace
	if free < uint64(max(need, 0)) { //nolint:gosec // clamped non-negative
		return &TransientError{Op: "preflight", Err: fmt.Errorf("%w: need %d bytes, have %d", ErrInsufficientSpace, need, free)}
	}

	return nil
}

func (p *Pipeline) backoff() retry.Backoff {
	b := retry.NewExponential(p.opts.RetryBase)
	b = retry.WithJitterPercent(25, b) //nolint:mnd // ±25% like the API client
	b = retry.WithCappedDuration(maxRetryWait, b)

	return retry.WithMaxRetries(uint64(p.opts.MaxAttempts-1), b) //nolint:gosec // MaxAttempts >= 1
}

// attemptErr marks err retryable for go-retry when it is.
func attemptErr(err error) error {
	if err != nil && retryable(err) {
		return retry.RetryableError(err)
	}

	return err
}

// download streams the source into f. A retry resumes from the bytes
// already staged; a fingerprint mismatch discards them.
func (p *Pipeline) download(ctx context.Context, req Request, src Source, f *os.File, prog *progress, logger *slog.Logger) error {
	dctx, cancel := context.WithTimeout(ctx, p.opts.DownloadTimeout)
	defer cancel()

	hasher := md5.New() //nolint:gosec // content fingerprint
	staged := int64(0)
	attempt := 0

	err := retry.Do(dctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			logger.Warn("retrying download", slog.Int("attempt", attempt), slog.Int64("offset", staged))
		}

		if err := rewindStaging(f, staged); err != nil {
			return err
		}

		n, err := p.copyFrom(ctx, req.Source, src, io.MultiWriter(f, hasher), staged, prog)
		staged += n

		if err == nil {
			err = p.verify(req.Source, hasher)
			if errors.Is(err, ErrFingerprintMismatch) {
				logger.Warn("fingerprint mismatch, restaging", slog.String("error", err.Error()))

				hasher.Reset()
				staged = 0
			}
		}

		return attemptErr(err)
	})
	if err != nil {
		if cerr := checkCancelled(ctx); cerr != nil && !errors.Is(cerr, context.DeadlineExceeded) {
			return cerr
		}

		if errors.Is(err, ErrFingerprintMismatch) {
			return &FatalError{Op: "download", Err: err}
		}

		return phaseError(ctx, "download", err)
	}

	logger.Debug("download staged", slog.Int64("bytes", staged))

	return nil
}

// rewindStaging drops anything past the staged offset, such as a partial
// write from a failed attempt.
func rewindStaging(f *os.File, staged int64) error {
	if err := f.Truncate(staged); err != nil {
		return fmt.Errorf("transfer: truncating staging file: %w", err)
	}

	if _, err := f.Seek(staged, io.SeekStart); err != nil {
		return fmt.Errorf("transfer: seeking staging file: %w", err)
	}

	return nil
}

// copyFrom copies the source from offset into w chunk by chunk, checking
// for cancellation between chunks. Returns the bytes written this call.
func (p *Pipeline) copyFrom(ctx context.Context, ref store.SourceRef, src Source, w io.Writer, offset int64, prog *progress) (int64, error) {
	rc, err := src.Open(ctx, ref.FileID, offset)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	r := p.limiter.Reader(ctx, rc)
	buf := make([]byte, p.opts.ChunkSize)

	var written int64

	for {
		if err := checkCancelled(ctx); err != nil {
			return written, err
		}

		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if offset+written+int64(n) > ref.Size {
				return written, fmt.Errorf("%w: more than %d bytes", ErrSizeMismatch, ref.Size)
			}

			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("transfer: writing staging file: %w", werr)
			}

			written += int64(n)
			prog.report(50*fraction(offset+written, ref.Size), "Downloading")
		}

		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}

		if rerr != nil {
			return written, rerr
		}
	}

	if got := offset + written; got < ref.Size {
		return written, fmt.Errorf("%w: %d of %d bytes", ErrShortRead, got, ref.Size)
	}

	return written, nil
}

// verify compares the staged MD5 with a hex MD5 fingerprint. Other
// fingerprint formats are not checked.
func (p *Pipeline) verify(ref store.SourceRef, h hash.Hash) error {
	if !p.opts.VerifyFingerprint || !isMD5Hex(ref.Fingerprint) {
		return nil
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, ref.Fingerprint) {
		return fmt.Errorf("%w: staged %s, expected %s", ErrFingerprintMismatch, got, ref.Fingerprint)
	}

	return nil
}

func isMD5Hex(s string) bool {
	if len(s) != 32 { //nolint:mnd // hex MD5
		return false
	}

	_, err := hex.DecodeString(s)

	return err == nil
}

// upload pushes the staged file, continuing a persisted session when one
// matches this content.
func (p *Pipeline) upload(
	ctx context.Context, req Request, dst Sink, f *os.File, hooks Hooks, prog *progress, logger *slog.Logger,
) (*Result, error) {
	uctx, cancel := context.WithTimeout(ctx, p.opts.UploadTimeout)
	defer cancel()

	size := req.Source.Size

	sess, next, video, err := p.resumeSession(uctx, req, dst, logger)
	if err != nil {
		return nil, phaseError(ctx, "upload", err)
	}

	resuming := sess != nil

	if hooks.BeforeUpload != nil {
		if err := hooks.BeforeUpload(uctx, resuming); err != nil {
			return nil, err
		}
	}

	if !resuming {
		sess, err = dst.CreateSession(uctx, toMetadata(req.Meta), size, req.Source.MimeType)
		if err != nil {
			return nil, phaseError(ctx, "upload", err)
		}

		p.saveSession(req, sess, logger)
	}

	prog.report(50+50*fraction(next, size), "Uploading")

	if video == nil {
		video, err = p.sendChunks(uctx, dst, sess, f, next, prog, logger)
		if err != nil {
			if errors.Is(err, sink.ErrSessionExpired) {
				p.dropSession(req.JobID, logger)
			}

			return nil, phaseError(ctx, "upload", err)
		}
	}

	p.dropSession(req.JobID, logger)

	return &Result{
		SinkID:  video.ID,
		URL:     sink.WatchURL(video.ID),
		Bytes:   size,
		Resumed: resuming,
	}, nil
}

// resumeSession looks up a persisted session for the job and asks the
// server where it stands. A nil session means start fresh.
func (p *Pipeline) resumeSession(
	ctx context.Context, req Request, dst Sink, logger *slog.Logger,
) (*sink.Session, int64, *sink.Video, error) {
	if p.sessions == nil {
		return nil, 0, nil, nil
	}

	rec, err := p.sessions.Load(req.JobID)
	if err != nil {
		logger.Warn("failed to load upload session", slog.String("error", err.Error()))

		return nil, 0, nil, nil
	}

	if rec == nil {
		return nil, 0, nil, nil
	}

	if rec.Fingerprint != req.Source.Fingerprint || rec.Size != req.Source.Size {
		logger.Info("discarding upload session for different content")
		p.dropSession(req.JobID, logger)

		return nil, 0, nil, nil
	}

	sess := &sink.Session{URL: rec.URL, Size: rec.Size, ContentType: rec.ContentType}

	var res *sink.ChunkResult

	err = retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		var qerr error

		res, qerr = dst.QueryOffset(ctx, sess)
		if errors.Is(qerr, sink.ErrSessionExpired) {
			return qerr
		}

		return attemptErr(qerr)
	})

	if errors.Is(err, sink.ErrSessionExpired) {
		logger.Info("upload session expired, starting a new one")
		p.dropSession(req.JobID, logger)

		return nil, 0, nil, nil
	}

	if err != nil {
		return nil, 0, nil, err
	}

	logger.Info("resuming upload session", slog.Int64("offset", res.Next))

	return sess, res.Next, res.Video, nil
}

// sendChunks uploads from offset to the end. After a failed chunk the
// server is asked for its committed offset before continuing.
func (p *Pipeline) sendChunks(
	ctx context.Context, dst Sink, sess *sink.Session, f *os.File, offset int64, prog *progress, logger *slog.Logger,
) (*sink.Video, error) {
	var (
		video   *sink.Video
		attempt int
		size    = sess.Size
	)

	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			res, err := dst.QueryOffset(ctx, sess)
			if err != nil {
				return chunkErr(err)
			}

			if res.Video != nil {
				video = res.Video

				return nil
			}

			logger.Warn("retrying upload", slog.Int("attempt", attempt), slog.Int64("offset", res.Next))

			offset = res.Next
		}

		for offset < size {
			if err := checkCancelled(ctx); err != nil {
				return err
			}

			length := min(p.opts.ChunkSize, size-offset)
			body := p.limiter.Reader(ctx, io.NewSectionReader(f, offset, length))

			res, err := dst.UploadChunk(ctx, sess, body, offset, length)
			if err != nil {
				return chunkErr(err)
			}

			if res.Video != nil {
				video = res.Video

				return nil
			}

			if res.Next <= offset {
				return retry.RetryableError(fmt.Errorf("transfer: server committed no bytes at offset %d", offset))
			}

			offset = res.Next
			prog.report(50+50*fraction(offset, size), "Uploading")
		}

		// Every byte is committed but the resource was not returned.
		res, err := dst.QueryOffset(ctx, sess)
		if err != nil {
			return chunkErr(err)
		}

		if res.Video == nil {
			return retry.RetryableError(fmt.Errorf("transfer: upload finished without a video resource"))
		}

		video = res.Video

		return nil
	})

	return video, err
}

// chunkErr retries chunk failures except an expired session, which needs
// a new session and therefore a new attempt of the whole job.
func chunkErr(err error) error {
	if errors.Is(err, sink.ErrSessionExpired) {
		return err
	}

	return attemptErr(err)
}

func (p *Pipeline) saveSession(req Request, sess *sink.Session, logger *slog.Logger) {
	if p.sessions == nil {
		return
	}

	if err := p.sessions.Save(&SessionRecord{
		JobID:       req.JobID,
		URL:         sess.URL,
		Fingerprint: req.Source.Fingerprint,
		Size:        sess.Size,
		ContentType: sess.ContentType,
	}); err != nil {
		logger.Warn("failed to save upload session; a retry will start over",
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pipeline) dropSession(jobID string, logger *slog.Logger) {
	if p.sessions == nil {
		return
	}

	if err := p.sessions.Delete(jobID); err != nil {
		logger.Warn("failed to delete upload session", slog.String("error", err.Error()))
	}
}

// checkCancelled returns ErrCancelled for a user cancel, the context error
// once ctx is otherwise done, and nil while it is live.
func checkCancelled(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}

	if errors.Is(context.Cause(ctx), ErrCancelled) {
		return ErrCancelled
	}

	return ctx.Err()
}

// phaseError turns a phase failure into its final form. parent is the job
// context, so a phase deadline is distinguished from a cancellation.
func phaseError(parent context.Context, op string, err error) error {
	if cerr := checkCancelled(parent); cerr != nil && !errors.Is(cerr, context.DeadlineExceeded) {
		return cerr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Op: op, Err: fmt.Errorf("%w: %w", ErrPhaseTimeout, err)}
	}

	return Classify(op, err)
}

func toMetadata(m store.SinkMeta) sink.Metadata {
	return sink.Metadata{
		Title:             m.Title,
		Description:       m.Description,
		Tags:              m.Tags,
		CategoryID:        m.CategoryID,
		Privacy:           m.Privacy,
		MadeForKids:       m.MadeForKids,
		NotifySubscribers: m.NotifySubscribers,
	}
}

func fraction(done, total int64) float64 {
	if total <= 0 {
		return 1
	}

	return min(float64(done)/float64(total), 1)
}

func removeStaging(f *os.File, logger *slog.Logger) {
	f.Close()

	if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove staging file",
			slog.String("path", f.Name()),
			slog.String("error", err.Error()),
		)
	}
}

// progress forwards non-decreasing values to the caller's callback.
type progress struct {
	fn      ProgressFunc
	last    float64
	lastMsg string
	started bool
}

func (p *progress) report(pct float64, msg string) {
	if p.fn == nil {
		return
	}

	pct = min(max(pct, 0), 100) //nolint:mnd // percent bounds

	if p.started && (pct < p.last || (pct == p.last && msg == p.lastMsg)) {
		return
	}

	p.started = true
	p.last = pct
	p.lastMsg = msg
	p.fn(pct, msg)
}
