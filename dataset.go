package digitlm

// Lazy, restartable sample sequences over a list of records.

import (
	"context"
	"runtime"
	"sync"

	"github.com/sensorable/digitlm/internal/log"
)

// Dataset is a finite sequence of samples built on demand from records. Records whose image is
// missing or cannot be decoded are skipped, so a pass may yield fewer samples than Len.
//
// Next and Reset are not safe for concurrent use; Stream builds samples concurrently on its own.
type Dataset struct {
	name    string
	records []Record
	builder *SampleBuilder

	pos     int
	skipped int
}

// NewDataset returns a dataset over records, positioned at the start.
func NewDataset(name string, records []Record, builder *SampleBuilder) *Dataset {
	return &Dataset{
		name:    name,
		records: records,
		builder: builder,
	}
}

// Name returns the dataset name, for example "train" or "val".
func (d *Dataset) Name() string { return d.name }

// Len returns the number of records. It is an upper bound on the number of samples in one pass.
func (d *Dataset) Len() int { return len(d.records) }

// Records returns the records in iteration order.
func (d *Dataset) Records() []Record { return d.records }

// Builder returns the sample builder of the dataset.
func (d *Dataset) Builder() *SampleBuilder { return d.builder }

// Skipped returns the number of records skipped by Next since the last Reset.
func (d *Dataset) Skipped() int { return d.skipped }

// Next returns the next sample, or false once the records are exhausted.
func (d *Dataset) Next() (Sample, bool) {
	for d.pos < len(d.records) {
		i := d.pos
		d.pos++
		if s, ok := d.build(i); ok {
			return s, true
		}
		d.skipped++
	}
	return Sample{}, false
}

// Reset restarts the sequence from the first record.
func (d *Dataset) Reset() {
	d.pos = 0
	d.skipped = 0
}

// build constructs the sample for record i and logs the reason for a skip.
func (d *Dataset) build(i int) (Sample, bool) {
	rec := d.records[i]
	s, ok, err := d.builder.Build(rec)
	if err != nil {
		log.Warn(log.Fields{"dataset": d.name, "image": rec.Image, "error": err},
			"Skipping unreadable image")
		return Sample{}, false
	}
	if !ok {
		log.Debug(log.Fields{"dataset": d.name, "image": rec.Image}, "Skipping missing image")
		return Sample{}, false
	}
	return s, true
}

type builtSample struct {
	index  int
	sample Sample
	ok     bool
}

// Stream builds all samples on a pool of workers and calls fn with each sample in record order.
// Skipped records are not passed to fn. If workers <= 0, runtime.NumCPU() workers are used.
//
// Stream returns the first error returned by fn, or the context error if ctx is cancelled before
// all records are processed. Stream does not change the position of Next.
func (d *Dataset) Stream(ctx context.Context, workers int, fn func(Sample) error) error {
	numRecords := len(d.records)
	if numRecords == 0 {
		return nil
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if numRecords < workers {
		workers = numRecords
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Limit the samples in flight or waiting for their turn. Each one holds a decoded image.
	window := 2 * workers
	slots := make(chan struct{}, window)
	workQueue := make(chan int)
	results := make(chan builtSample, window)

	errors := make(chan error, 1)
	trySendError := func(err error) {
		select {
		case errors <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for idx := range workQueue {
				s, ok := d.build(idx)
				results <- builtSample{index: idx, sample: s, ok: ok}
			}
		}()
	}

	// Feed the work queue.
	go func() {
		defer close(workQueue)
		for idx := 0; idx < numRecords; idx++ {
			if ctx.Err() != nil {
				return
			}
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case workQueue <- idx:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	// Deliver in record order. Results keep being drained after a failure so the workers finish.
	pending := make(map[int]builtSample, window)
	delivered := 0
	failed := false
	for r := range results {
		if failed {
			continue
		}
		pending[r.index] = r
		for !failed {
			next, ok := pending[delivered]
			if !ok {
				break
			}
			delete(pending, delivered)
			delivered++
			<-slots

			if next.ok {
				if err := fn(next.sample); err != nil {
					trySendError(err)
					failed = true
					cancel()
				}
			}
		}
	}

	close(errors)
	if err := <-errors; err != nil {
		return err
	}
	if delivered < numRecords {
		return ctx.Err()
	}
	return nil
}
