package fetcher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindRetryable(t *testing.T) {
	tests := []struct {
		kind      ErrorKind
		retryable bool
	}{
		{KindTimeout, true},
		{KindNetwork, true},
		{KindRateLimited, true},
		{KindSizeExceeded, false},
		{KindUnsupportedURL, false},
		{KindNotFound, false},
		{KindInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.kind.Retryable())
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindRateLimited, KindOf(NewError(KindRateLimited, errors.New("429"))))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindInternal, KindOf(errors.New("something else")))

	// Wrapped taxonomy errors keep their kind.
	wrapped := fmt.Errorf("attempt 2: %w", NewError(KindNetwork, errors.New("reset")))
	assert.Equal(t, KindNetwork, KindOf(wrapped))
}

func TestFormatSelector(t *testing.T) {
	assert.Equal(t, "bv*[height<=720]+ba/b[height<=720]", formatSelector(720))
	assert.Equal(t, "bv*[height<=2160]+ba/b[height<=2160]", formatSelector(2160))
	assert.Equal(t, "bv*+ba/b", formatSelector(0))
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		msg  string
		kind ErrorKind
	}{
		{"ERROR: file is larger than max-filesize", KindSizeExceeded},
		{"HTTP Error 429: Too Many Requests", KindRateLimited},
		{"ERROR: Unsupported URL: ftp://x", KindUnsupportedURL},
		{"HTTP Error 404: Not Found", KindNotFound},
		{"urlopen error timed out", KindTimeout},
		{"Connection reset by peer", KindNetwork},
		{"something exotic", KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(classify(ctx, errors.New(tt.msg))))
		})
	}
}
