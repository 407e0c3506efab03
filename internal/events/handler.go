package events

import (
	"context"
	"encoding/json"

	"github.com/sempervigil/sempervigil/internal/queue"
)

// NewEventsRebuildHandler returns the events_rebuild job handler. A pass
// that changed anything visible schedules a debounced site build.
func NewEventsRebuildHandler(r *Rebuilder) queue.HandlerFunc {
	return func(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
		res, err := r.Rebuild(ctx, task.Runtime)
		if err != nil {
			return nil, err
		}
		if res.Mutated() {
			if err := queue.EnqueueBuildSite(ctx, r.store, task.Runtime.Scheduler.BuildDebounce()); err != nil {
				return nil, err
			}
		}
		return json.Marshal(res)
	}
}
