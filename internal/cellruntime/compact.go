// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cellruntime

import (
	"context"
	"time"
)

// alarmInterval is how often the runtime checks whether columnar
// compaction is needed. The actual compaction back-off schedule (spec §4.3
// defaults 10s/30s/90s) is owned by columnar.Exporter; this loop is just
// the periodic "did the alarm fire" check CellRuntime is responsible for.
const alarmInterval = 5 * time.Second

func (r *Runtime) alarmLoop() {
	ticker := time.NewTicker(alarmInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopAlarm:
			return
		case <-ticker.C:
			r.fireAlarm()
		}
	}
}

func (r *Runtime) fireAlarm() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	needed, err := r.Export.CompactionNeeded(ctx)
	if err != nil {
		r.log.Errorf("alarm: check compactionNeeded: %v", err)
		return
	}
	if !needed {
		return
	}

	due, err := r.Export.AttemptDue(ctx)
	if err != nil {
		r.log.Errorf("alarm: check compaction retry schedule: %v", err)
		return
	}
	if !due {
		// still inside this batch's back-off window; try again next tick.
		return
	}

	if err := r.Export.RunCompactionIfNeeded(ctx); err != nil {
		r.log.Warnf("alarm: compaction attempt failed: %v", err)
	}
}

// CompactReport is the distinct-from-columnar-compaction reporting-only
// operation (spec §9 open question (a)): it counts items that *would* be
// compacted without deleting anything.
type CompactReport struct {
	BufferedObjects   int  `json:"buffered_objects"`
	CompactionPending bool `json:"compaction_pending"`
}

// Compact reports counts of items that would be compacted. It never
// deletes anything — the columnar package's own compaction loop (§4.3) is
// the only thing that actually merges and removes segments.
func (r *Runtime) Compact(ctx context.Context) (CompactReport, error) {
	needed, err := r.Export.CompactionNeeded(ctx)
	if err != nil {
		return CompactReport{}, err
	}
	return CompactReport{
		BufferedObjects:   r.Export.BufferLen(),
		CompactionPending: needed,
	}, nil
}
