package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// multiPartDownload splits [0,size) into d.parts byte ranges, fetches them
// concurrently into a temp dir and concatenates them into dest in order.
func (d *Downloader) multiPartDownload(ctx context.Context, url, dest string, size int64) (int64, error) {
	tmpDir, err := os.MkdirTemp(d.tmpBase, "passport_parts")
	if err != nil {
		return 0, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	parts := int64(d.parts)
	partSize := size / parts
	progress := make(chan int64, d.parts)
	done := make(chan struct{})

	go func() {
		defer close(done)
		var total int64
		for p := range progress {
			total += p
			d.logger.Debug("downloading",
				zap.String("written", humanize.IBytes(uint64(total))),
				zap.String("progress", fmt.Sprintf("%.2f%%", float64(total)/float64(size)*100)))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := int64(0); i < parts; i++ {
		start := i * partSize
		end := start + partSize - 1
		if i == parts-1 {
			end = size - 1
		}
		num := int(i)
		g.Go(func() error {
			return d.downloadPart(gctx, url, num, start, end, tmpDir, progress)
		})
	}
	err = g.Wait()
	close(progress)
	<-done
	if err != nil {
		return 0, err
	}

	return mergeParts(tmpDir, dest, d.parts)
}

func (d *Downloader) downloadPart(ctx context.Context, url string, num int, start, end int64, dir string, progress chan<- int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("part %d: build request: %w", num, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("part %d: %w", num, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("part %d: unexpected status %s", num, resp.Status)
	}

	f, err := os.Create(partPath(dir, num))
	if err != nil {
		return fmt.Errorf("part %d: %w", num, err)
	}
	defer f.Close()

	w, err := io.Copy(f, resp.Body)
	if err != nil {
		return fmt.Errorf("part %d: %w", num, err)
	}
	if want := end - start + 1; w != want {
		return fmt.Errorf("part %d: got %d bytes, want %d", num, w, want)
	}
	progress <- w
	return f.Close()
}

func mergeParts(dir, out string, parts int) (int64, error) {
	dst, err := os.Create(out)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", out, err)
	}
	defer dst.Close()

	var total int64
	for i := 0; i < parts; i++ {
		src, err := os.Open(partPath(dir, i))
		if err != nil {
			return total, err
		}
		n, err := io.Copy(dst, src)
		src.Close()
		total += n
		if err != nil {
			return total, fmt.Errorf("merge part %d: %w", i, err)
		}
	}
	return total, dst.Close()
}

func partPath(dir string, num int) string {
	return filepath.Join(dir, fmt.Sprintf("part_%d", num))
}
