package broker

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/batchq/internal/classify"
	"github.com/snehjoshi/batchq/internal/config"
	"github.com/snehjoshi/batchq/internal/limiter"
	"github.com/snehjoshi/batchq/internal/remote"
	"github.com/snehjoshi/batchq/internal/types"
)

// FileDeleter removes stored files by the ID the endpoint assigned on upload.
// *remote.FileUploader implements it.
type FileDeleter interface {
	Delete(ctx context.Context, fileID int64) (remote.Response, error)
}

// DeleteResult is the outcome of deleting one stored file. Status is
// classified like a send; pending means the delete never started.
type DeleteResult struct {
	FileID int64        `json:"file_id"`
	Status types.Status `json:"status"`
	Code   int          `json:"response_code,omitempty"`
	Body   []byte       `json:"-"`
}

// DeleteFiles deletes the given stored files with at most
// dispatcher.max_concurrency requests in flight. Results follow the order of
// ids. Per-file failures are only reported in the results; the error is
// non-nil when the endpoint is not a file endpoint or ctx ended first.
func (b *Broker) DeleteFiles(ctx context.Context, ids []int64) ([]DeleteResult, error) {
	del, ok := b.transport.(FileDeleter)
	if b.cfg.Endpoint.Kind != config.KindFile || !ok {
		return nil, fmt.Errorf("%w: file deletion needs a file endpoint", ErrWrongKind)
	}
	lim, err := limiter.New(b.cfg.Dispatcher.MaxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}

	results := make([]DeleteResult, len(ids))
	for i, id := range ids {
		results[i] = DeleteResult{FileID: id, Status: types.StatusPending}
	}

	var (
		g       errgroup.Group
		stopErr error
	)
	for i, id := range ids {
		if err := lim.Acquire(ctx); err != nil {
			stopErr = err
			break
		}
		// The semaphore may grant a slot freed by a cancelled delete.
		if err := ctx.Err(); err != nil {
			lim.Release()
			stopErr = err
			break
		}
		g.Go(func() error {
			defer lim.Release()
			rctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout())
			defer cancel()

			resp, err := del.Delete(rctx, id)
			res := DeleteResult{FileID: id, Status: classify.Outcome(resp.Code, err), Code: resp.Code, Body: resp.Body}
			if err != nil {
				res.Body = []byte(err.Error())
			}
			results[i] = res
			b.logger.Info("file delete",
				"file_id", id,
				"status", res.Status,
				"code", res.Code,
			)
			return nil
		})
	}
	_ = g.Wait()

	if stopErr != nil {
		return results, fmt.Errorf("broker: delete interrupted: %w", stopErr)
	}
	return results, nil
}
