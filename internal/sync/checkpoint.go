package sync

import (
	"strconv"

	"github.com/matheus3301/chatsync/internal/store"
)

// Checkpoints keeps per-room sync markers in the kv table.
type Checkpoints struct {
	db *store.DB
}

// NewCheckpoints creates a checkpoint store.
func NewCheckpoints(db *store.DB) *Checkpoints {
	return &Checkpoints{db: db}
}

func historyKey(room string) string { return "sync_history_complete_" + room }
func ackKey(room string) string     { return "sync_last_ack_" + room }

// MarkHistoryComplete records that backfill reached the start of the room.
func (c *Checkpoints) MarkHistoryComplete(room string) error {
	return c.db.SetValue(historyKey(room), "1")
}

// HistoryComplete reports whether backfill already reached the start.
func (c *Checkpoints) HistoryComplete(room string) (bool, error) {
	v, ok, err := c.db.GetValue(historyKey(room))
	if err != nil {
		return false, err
	}
	return ok && v == "1", nil
}

// LastAck returns the highest uuid acknowledged to the server.
func (c *Checkpoints) LastAck(room string) (int64, error) {
	v, ok, err := c.db.GetValue(ackKey(room))
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// SetLastAck records uuid as acknowledged.
func (c *Checkpoints) SetLastAck(room string, uuid int64) error {
	return c.db.SetValue(ackKey(room), strconv.FormatInt(uuid, 10))
}
