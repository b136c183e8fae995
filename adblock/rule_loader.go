package adblock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"icapfilter/config"
	"icapfilter/logger"
)

const (
	defaultMaxConcurrentDownloads = 5
	defaultDownloadTimeout        = 15 * time.Second
	defaultMaxListSize            = 50 * 1024 * 1024
)

// FetchResult describes the list text available for a source after a fetch.
type FetchResult struct {
	Path         string
	Lines        int
	ETag         string
	LastModified string
	NotModified  bool
}

type RuleLoader struct {
	client        *http.Client
	maxConcurrent int
	maxSize       int64
	cacheDir      string
}

func NewRuleLoader(cfg *config.FilterConfig) *RuleLoader {
	timeout := defaultDownloadTimeout
	if cfg.DownloadTimeoutSec > 0 {
		timeout = time.Duration(cfg.DownloadTimeoutSec) * time.Second
	}
	maxConcurrent := defaultMaxConcurrentDownloads
	if cfg.MaxConcurrent > 0 {
		maxConcurrent = cfg.MaxConcurrent
	}
	maxSize := int64(defaultMaxListSize)
	if cfg.MaxListSizeMB > 0 {
		maxSize = int64(cfg.MaxListSizeMB) * 1024 * 1024
	}
	return &RuleLoader{
		client:        &http.Client{Timeout: timeout},
		maxConcurrent: maxConcurrent,
		maxSize:       maxSize,
		cacheDir:      cfg.CacheDir,
	}
}

// Fetch makes the current text of source available on disk. Remote lists are
// downloaded with conditional headers into the cache directory.
func (rl *RuleLoader) Fetch(ctx context.Context, source *SourceInfo) (FetchResult, error) {
	if source.IsLocal() {
		return rl.loadLocalFile(source.LocalPath())
	}
	return rl.downloadRemoteFile(ctx, source)
}

// FetchAll fetches the given sources concurrently. The callback runs once per
// source from the fetching goroutine.
func (rl *RuleLoader) FetchAll(ctx context.Context, sources []*SourceInfo, done func(*SourceInfo, FetchResult, error)) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(rl.maxConcurrent)
	for _, s := range sources {
		g.Go(func() error {
			res, err := rl.Fetch(ctx, s)
			done(s, res, err)
			// one failing list must not cancel the others
			return nil
		})
	}
	_ = g.Wait()
}

func (rl *RuleLoader) downloadRemoteFile(ctx context.Context, source *SourceInfo) (FetchResult, error) {
	cachePath := filepath.Join(rl.cacheDir, source.CacheFile)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return FetchResult{}, err
	}

	// 只有缓存文件存在时才发送条件请求
	if _, statErr := os.Stat(cachePath); statErr == nil {
		if source.ETag != "" {
			req.Header.Set("If-None-Match", source.ETag)
		}
		if source.LastModified != "" {
			req.Header.Set("If-Modified-Since", source.LastModified)
		}
	}

	resp, err := rl.client.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return FetchResult{
			Path:         cachePath,
			Lines:        source.RuleCount,
			ETag:         source.ETag,
			LastModified: source.LastModified,
			NotModified:  true,
		}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return FetchResult{}, fmt.Errorf("bad status: %s", resp.Status)
	}

	// 先写入临时文件，校验通过后再替换缓存，避免失败时破坏旧缓存
	tmp, err := os.CreateTemp(rl.cacheDir, source.CacheFile+".*")
	if err != nil {
		return FetchResult{}, err
	}
	defer os.Remove(tmp.Name())

	limited := &io.LimitedReader{R: resp.Body, N: rl.maxSize + 1}
	lines, err := countLines(io.TeeReader(limited, tmp))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return FetchResult{}, err
	}
	if limited.N == 0 {
		return FetchResult{}, fmt.Errorf("list exceeds %d MB limit", rl.maxSize/(1024*1024))
	}
	if err := os.Rename(tmp.Name(), cachePath); err != nil {
		return FetchResult{}, err
	}

	logger.Debugf("[AdBlock] Downloaded %s (%d lines)", source.URL, lines)
	return FetchResult{
		Path:         cachePath,
		Lines:        lines,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

func (rl *RuleLoader) loadLocalFile(path string) (FetchResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return FetchResult{}, err
	}
	defer file.Close()

	lines, err := countLines(file)
	return FetchResult{Path: path, Lines: lines}, err
}

func countLines(r io.Reader) (int, error) {
	buf := make([]byte, 32*1024)
	count := 0
	sawData := false
	last := byte('\n')

	for {
		c, err := r.Read(buf)
		if c > 0 {
			sawData = true
			count += bytes.Count(buf[:c], []byte{'\n'})
			last = buf[c-1]
		}

		switch {
		case err == io.EOF:
			if sawData && last != '\n' {
				count++
			}
			return count, nil
		case err != nil:
			return count, err
		}
	}
}
