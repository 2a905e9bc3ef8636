package stream

import (
	"errors"

	"github.com/vishurizz/vstp/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("stream: listen")
	ErrAccept    = errors.New("stream: accept")
	ErrConnRead  = errors.New("stream: conn_read")
	ErrConnWrite = errors.New("stream: conn_write")
	ErrContext   = errors.New("stream: context_cancelled")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead):
		return metrics.ErrStreamRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrStreamWrite
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrListen
	case errors.Is(err, ErrContext):
		return metrics.ErrContext
	default:
		return "other"
	}
}
