package nvd

import (
	"context"
	"encoding/json"

	"github.com/sempervigil/sempervigil/internal/queue"
	"github.com/sempervigil/sempervigil/internal/storage"
)

// NewCveSyncHandler returns the cve_sync job handler. A sync that wrote
// anything chains an events_rebuild so correlation catches up.
func NewCveSyncHandler(s *Syncer) queue.HandlerFunc {
	return func(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
		var p queue.CveSyncPayload
		if err := task.DecodePayload(&p); err != nil {
			return nil, err
		}
		res, err := s.Sync(ctx, p, task.Runtime)
		if err != nil {
			return nil, err
		}
		if res.Inserted+res.Updated > 0 {
			if _, err := s.store.EnqueueJob(ctx, queue.NewEventsRebuildJob(), storage.EnqueueOptions{}); err != nil {
				return nil, err
			}
		}
		task.Log.Info("cve sync finished",
			"pages", res.Pages, "processed", res.Processed,
			"inserted", res.Inserted, "updated", res.Updated,
			"unchanged", res.Unchanged, "changes", res.Changes)
		return json.Marshal(res)
	}
}
