package dispatch

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxImageBytes bounds EncodeImage when no limit is configured.
const DefaultMaxImageBytes = 5 << 20

var ErrImageUnreadable = errors.New("image unreadable")

// EncodeImage reads r fully and returns it as a base64 data URI. Only
// content sniffed as image/* is accepted.
func EncodeImage(r io.Reader, max int64) (string, error) {
	if max <= 0 {
		max = DefaultMaxImageBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrImageUnreadable, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty", ErrImageUnreadable)
	}
	if int64(len(data)) > max {
		return "", fmt.Errorf("%w: larger than %d bytes", ErrImageUnreadable, max)
	}

	mt := mimetype.Detect(data)
	mime, _, _ := strings.Cut(mt.String(), ";")
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("%w: content is %s", ErrImageUnreadable, mime)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
