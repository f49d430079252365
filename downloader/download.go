package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"expired_passports/config"
	"expired_passports/failure"
)

const progressStep = 32 << 20

// Downloader fetches the remote dataset into a local file. The whole call,
// connect and transfer, is bounded by the configured timeout. Nothing is
// retried here.
type Downloader struct {
	client  *http.Client
	timeout time.Duration
	parts   int
	tmpBase string
	logger  *zap.Logger
}

func New(cfg config.Source, logger *zap.Logger) *Downloader {
	return &Downloader{
		client:  &http.Client{Timeout: cfg.Timeout},
		timeout: cfg.Timeout,
		parts:   cfg.Parts,
		tmpBase: os.Getenv("SNAP_USER_COMMON"),
		logger:  logger,
	}
}

// Fetch writes the body of url to dest, creating or truncating it, and
// returns the number of bytes written.
func (d *Downloader) Fetch(ctx context.Context, url, dest string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	var (
		n   int64
		err error
	)
	if d.parts > 1 {
		n, err = d.fetchRanged(ctx, url, dest)
	} else {
		n, err = d.fetchStream(ctx, url, dest)
	}
	if err != nil {
		if isTimeout(ctx, err) {
			err = fmt.Errorf("timed out after %s: %w", d.timeout, err)
		}
		return n, failure.New(failure.Fetch, err, "fetch %s", url)
	}

	d.logger.Info("download complete",
		zap.String("dest", dest),
		zap.String("size", humanize.IBytes(uint64(n))),
		zap.Duration("elapsed", time.Since(start)))
	return n, nil
}

func (d *Downloader) fetchRanged(ctx context.Context, url, dest string) (int64, error) {
	size, ranged, err := d.probe(ctx, url)
	if err != nil {
		return 0, err
	}
	if !ranged || size < int64(d.parts) {
		d.logger.Info("server does not support ranged requests, using a single stream",
			zap.String("url", url))
		return d.fetchStream(ctx, url, dest)
	}
	return d.multiPartDownload(ctx, url, dest, size)
}

func (d *Downloader) fetchStream(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dest, err)
	}
	defer f.Close()

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return 0, err
	}

	pw := &progressWriter{w: f, total: resp.ContentLength, logger: d.logger}
	n, err := io.Copy(pw, resp.Body)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", dest, err)
	}
	return n, nil
}

// probe asks for the resource size and whether byte ranges are served.
// A server that rejects HEAD is treated as one without range support.
func (d *Downloader) probe(ctx context.Context, url string) (int64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, false, fmt.Errorf("build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, err
		}
		d.logger.Debug("HEAD request failed", zap.String("url", url), zap.Error(err))
		return 0, false, nil
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		d.logger.Debug("HEAD request rejected", zap.String("url", url), zap.Error(err))
		return 0, false, nil
	}

	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || size <= 0 {
		return 0, false, nil
	}
	return size, resp.Header.Get("Accept-Ranges") == "bytes", nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

type progressWriter struct {
	w       io.Writer
	total   int64
	written int64
	next    int64
	logger  *zap.Logger
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.written >= p.next {
		fields := []zap.Field{zap.String("written", humanize.IBytes(uint64(p.written)))}
		if p.total > 0 {
			fields = append(fields, zap.String("progress",
				fmt.Sprintf("%.2f%%", float64(p.written)/float64(p.total)*100)))
		}
		p.logger.Debug("downloading", fields...)
		p.next = p.written + progressStep
	}
	return n, err
}
