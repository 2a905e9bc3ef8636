package datagram

import (
	"errors"

	"github.com/vishurizz/vstp/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen = errors.New("datagram: listen")
	ErrRead   = errors.New("datagram: read")
	ErrWrite  = errors.New("datagram: write")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrRead), errors.Is(err, ErrWrite):
		return metrics.ErrDatagramIO
	case errors.Is(err, ErrListen):
		return metrics.ErrListen
	default:
		return "other"
	}
}
