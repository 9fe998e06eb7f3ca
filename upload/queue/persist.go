package queue

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/bitrise-io/go-uploadqueue/upload/kv"
)

// persist saves the records of all tasks. Failures are logged.
func (q *Queue) persist() {
	if !q.opts.Persist {
		return
	}

	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	records := q.Records()
	data, err := json.Marshal(records)
	if err != nil {
		q.logger.Warnf("Failed to encode upload queue: %s", err)
		return
	}

	if err := q.opts.Store.Put(context.Background(), StorageKey, data); err != nil {
		q.logger.Warnf("Failed to save upload queue: %s", err)
	}
}

// Records returns the persistable projection of the current tasks.
func (q *Queue) Records() []TaskRecord {
	tasks := q.Tasks()
	records := make([]TaskRecord, 0, len(tasks))
	for _, t := range tasks {
		records = append(records, t.record())
	}
	return records
}

func (q *Queue) load() {
	data, err := q.opts.Store.Get(context.Background(), StorageKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			q.logger.Warnf("Failed to load upload queue: %s", err)
		}
		return
	}

	var records []TaskRecord
	if err := json.Unmarshal(data, &records); err != nil {
		q.logger.Warnf("Failed to decode upload queue: %s", err)
		return
	}

	q.restored = records
	if len(records) > 0 {
		q.logger.Infof("Restored %d task records, add the files again to continue their uploads", len(records))
	}
}
