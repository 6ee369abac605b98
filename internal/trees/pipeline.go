package trees

import (
	"context"
	"math"

	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tree-radius/pkg/datasette"
)

// Pipeline pages through the tree table with a pool of consumers and
// filters each page by proximity to a center coordinate.
//
// A producer goroutine feeds page offsets (0, pageSize, 2·pageSize, …)
// into a bounded channel; the channel capacity is the only backpressure
// limiting how far the producer races ahead. Each consumer pulls
// offsets until it observes an empty page of its own, so the run only
// completes once every consumer has independently reached the end of
// the dataset. A consumer that runs ahead may probe a few empty tail
// offsets; none of the data offsets can be skipped that way.
type Pipeline struct {
	fetcher   datasette.Client
	pageSize  int
	consumers int
}

// NewPipeline creates a pipeline over the given page fetcher.
func NewPipeline(fetcher datasette.Client, pageSize, consumers int) *Pipeline {
	if consumers < 1 {
		consumers = 1
	}
	return &Pipeline{fetcher: fetcher, pageSize: pageSize, consumers: consumers}
}

// Run executes the search and returns every record within radiusMeters
// of the geodetic center. Any fetch or decode failure cancels the
// remaining consumers and fails the whole run.
func (p *Pipeline) Run(ctx context.Context, center geom.Coord, radiusMeters float64) ([]Match, error) {
	queueCap := int(math.Ceil(float64(p.consumers) * 1.5))
	offsets := make(chan int, queueCap)

	eg, gctx := errgroup.WithContext(ctx)

	// The producer has no stopping condition of its own; it runs until
	// the group context is cancelled, which happens either on a consumer
	// error or via stopProducer once every consumer has joined.
	prodCtx, stopProducer := context.WithCancel(gctx)
	defer stopProducer()
	go produceOffsets(prodCtx, offsets, p.pageSize)

	perConsumer := make([][]Match, p.consumers)
	for i := range p.consumers {
		eg.Go(func() error {
			acc, err := p.consume(gctx, i, offsets, center, radiusMeters)
			if err != nil {
				return err
			}
			perConsumer[i] = acc
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	stopProducer()

	return flatten(perConsumer), nil
}

// produceOffsets pushes the offset sequence into the bounded channel,
// blocking when it is full, until cancelled.
func produceOffsets(ctx context.Context, offsets chan<- int, pageSize int) {
	for offset := 0; ; offset += pageSize {
		select {
		case <-ctx.Done():
			return
		case offsets <- offset:
			zap.L().Debug("queued page offset", zap.Int("offset", offset))
		}
	}
}

// consume loops pulling offsets, fetching and filtering pages, until it
// observes an empty page. Its accumulator stays private until the
// caller joins all consumers.
func (p *Pipeline) consume(ctx context.Context, id int, offsets <-chan int, center geom.Coord, radiusMeters float64) ([]Match, error) {
	var acc []Match
	for {
		var offset int
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case offset = <-offsets:
		}

		page, err := p.fetcher.FetchPage(ctx, offset, p.pageSize)
		if err != nil {
			return nil, err
		}
		if len(page.Rows) == 0 {
			zap.L().Debug("consumer reached empty page",
				zap.Int("consumer", id),
				zap.Int("offset", offset),
				zap.Int("accumulated", len(acc)),
			)
			return acc, nil
		}

		matches, err := FilterPage(center, radiusMeters, page)
		if err != nil {
			return nil, err
		}
		zap.L().Debug("filtered page",
			zap.Int("consumer", id),
			zap.Int("offset", offset),
			zap.Int("rows", len(page.Rows)),
			zap.Int("matches", len(matches)),
		)
		acc = append(acc, matches...)
	}
}

// flatten merges the per-consumer accumulators. Offsets are delivered
// exactly once, so the lists are disjoint and no deduplication is
// needed.
func flatten(perConsumer [][]Match) []Match {
	var total int
	for _, list := range perConsumer {
		total += len(list)
	}
	merged := make([]Match, 0, total)
	for _, list := range perConsumer {
		merged = append(merged, list...)
	}
	return merged
}
