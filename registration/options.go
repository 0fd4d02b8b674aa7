package registration

import "log"

type options struct {
	logger  *log.Logger
	workers int
}

// Option configures a registration run.
type Option func(*options)

// WithLogger logs per-iteration progress to l. Nil disables logging.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithSearchWorkers sets the goroutine count for batched nearest neighbour
// queries. Values below 1 keep the default (GOMAXPROCS).
func WithSearchWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}

func (o options) newSearch(target *PointCloud) *NearestNeighborSearch {
	nns := NewNearestNeighborSearch(target.Positions())
	if o.workers > 0 {
		nns.SetWorkers(o.workers)
	}
	return nns
}
