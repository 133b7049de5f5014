package queue

import (
	"context"
	"fmt"
	"sync"
)

const batchParallelism = 8

type publishFunc func(ctx context.Context, job Job, opts PublishOptions) (string, error)

// publishBatch fans jobs out to publish with bounded parallelism and reports
// exactly which jobs were not queued.
func publishBatch(ctx context.Context, jobs []Job, opts PublishOptions, publish publishFunc) (BatchResult, error) {
	res := BatchResult{IDs: make([]string, len(jobs))}
	if len(jobs) == 0 {
		return res, nil
	}

	errs := make([]error, len(jobs))
	sem := make(chan struct{}, batchParallelism)
	var wg sync.WaitGroup
	for i := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			id, err := publish(ctx, jobs[i], opts)
			if err != nil {
				errs[i] = err
				return
			}
			res.IDs[i] = id
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			res.Failed = append(res.Failed, FailedJob{Index: i, Job: jobs[i], Err: err})
		}
	}
	if len(res.Failed) > 0 {
		return res, fmt.Errorf("%w: %d of %d failed", ErrBatchPartial, len(res.Failed), len(jobs))
	}
	return res, nil
}
