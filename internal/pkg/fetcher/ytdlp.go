package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/lrstanley/go-ytdlp"
)

// YtdlpFetcher fetches media through the yt-dlp binary. It is the production
// implementation of the Fetcher collaborator.
type YtdlpFetcher struct {
	downloadDir string
}

// NewYtdlpFetcher creates a fetcher writing into downloadDir.
func NewYtdlpFetcher(downloadDir string) *YtdlpFetcher {
	return &YtdlpFetcher{downloadDir: downloadDir}
}

func (f *YtdlpFetcher) Fetch(ctx context.Context, url string, sizeLimit int64, maxHeight int) (*Result, error) {
	dl := ytdlp.New().
		RestrictFilenames().
		ForceOverwrites().
		MaxFileSize(fmt.Sprintf("%d", sizeLimit)).
		Format(formatSelector(maxHeight)).
		Output(f.downloadDir + "/%(id)s.%(ext)s")

	res, err := dl.Run(ctx, url)
	if err != nil {
		return nil, classify(ctx, err)
	}

	info, err := res.GetExtractedInfo()
	if err != nil || len(info) == 0 || info[0].Filename == nil {
		return nil, NewError(KindInternal, fmt.Errorf("no extracted info for %s", url))
	}

	path := *info[0].Filename
	stat, err := os.Stat(path)
	if err != nil {
		return nil, NewError(KindInternal, fmt.Errorf("downloaded file missing: %w", err))
	}
	if stat.Size() > sizeLimit {
		_ = os.Remove(path)
		return nil, NewError(KindSizeExceeded, fmt.Errorf("file is %d bytes, limit %d", stat.Size(), sizeLimit))
	}

	title := ""
	if info[0].Title != nil {
		title = *info[0].Title
	}

	log.Debugf("[Fetcher] Downloaded %s (%d bytes) from %s", path, stat.Size(), url)
	return &Result{FilePath: path, SizeBytes: stat.Size(), Title: title}, nil
}

// formatSelector builds the yt-dlp format expression capping video height at
// the plan's quality limit. Falls back to the best single file under the same
// cap when merged streams are unavailable.
func formatSelector(maxHeight int) string {
	if maxHeight <= 0 {
		return "bv*+ba/b"
	}
	return fmt.Sprintf("bv*[height<=%d]+ba/b[height<=%d]", maxHeight, maxHeight)
}

// classify maps yt-dlp failures onto the shared taxonomy. yt-dlp reports most
// conditions only through its stderr text, so matching is on known phrases.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return NewError(KindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "max-filesize"), strings.Contains(msg, "file is larger"):
		return NewError(KindSizeExceeded, err)
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate-limit"), strings.Contains(msg, "too many requests"):
		return NewError(KindRateLimited, err)
	case strings.Contains(msg, "unsupported url"):
		return NewError(KindUnsupportedURL, err)
	case strings.Contains(msg, "404"), strings.Contains(msg, "not available"), strings.Contains(msg, "does not exist"):
		return NewError(KindNotFound, err)
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"):
		return NewError(KindTimeout, err)
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"), strings.Contains(msg, "temporary failure"):
		return NewError(KindNetwork, err)
	default:
		return NewError(KindInternal, err)
	}
}
