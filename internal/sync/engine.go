package sync

import (
	"fmt"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Engine applies server-originated messages to the store and announces the
// rows that changed on the bus.
type Engine struct {
	db      *store.DB
	bus     *bus.Bus
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, m *metrics.Collector, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:      db,
		bus:     b,
		metrics: m,
		logger:  logger,
	}
}

// IngestResult summarizes one ingestion.
type IngestResult struct {
	Created int
	Updated int
	// MaxUUID is the highest server uuid in the batch, 0 if none.
	MaxUUID int64
}

// Ingest stores msgs of room in the order given, in one transaction. Quoted
// messages embedded in the batch are stored ahead of the message quoting
// them; nothing is fetched from the network.
func (e *Engine) Ingest(room, source string, msgs []*store.Message) (IngestResult, error) {
	var res IngestResult
	if len(msgs) == 0 {
		return res, nil
	}

	batch := make([]*store.Message, 0, len(msgs))
	primary := make([]bool, 0, len(msgs))
	for _, m := range msgs {
		if m.RoomID == "" {
			m.RoomID = room
		}
		if q := m.Quote; q != nil && q.Status == store.QuoteFound && q.Message != nil && q.UUID != m.UUID {
			quoted := *q.Message
			quoted.RoomID = m.RoomID
			quoted.Quote = store.QuoteOf(quoted.QuoteUUID())
			batch = append(batch, &quoted)
			primary = append(primary, false)
		}
		batch = append(batch, m)
		primary = append(primary, true)
		if m.UUID > res.MaxUUID {
			res.MaxUUID = m.UUID
		}
	}

	results, err := e.db.ApplyBatch(batch)
	if err != nil {
		return res, fmt.Errorf("ingest %s batch: %w", source, err)
	}

	for i, r := range results {
		m := batch[i]
		if m.Avatar != "" {
			if err := e.db.Avatars().Set(m.SenderID, m.Avatar); err != nil {
				e.logger.Warn("store avatar", zap.String("user", m.SenderID), zap.Error(err))
			}
		}
		if !primary[i] && !r.Created {
			continue
		}
		switch {
		case r.Created:
			res.Created++
			e.publish(bus.KindMessageArrived, room, r.ID)
		case r.Changed:
			res.Updated++
			e.publish(bus.KindMessageUpdated, room, r.ID)
		}
	}
	e.metrics.Pulled(room, source, res.Created)

	e.logger.Debug("batch ingested",
		zap.String("room", room),
		zap.String("source", source),
		zap.Int("messages", len(msgs)),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int64("uuid", res.MaxUUID),
	)
	return res, nil
}

// ApplyRecall recalls uuid locally. Unknown or already recalled messages are
// ignored.
func (e *Engine) ApplyRecall(room string, uuid int64, origin string) (bool, error) {
	ok, err := e.db.MarkRecalled(room, uuid)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	e.metrics.Recall(room, origin)
	m, err := e.db.QueryByUUID(room, uuid)
	if err != nil {
		return true, err
	}
	if m != nil {
		e.bus.Publish(bus.NewEvent(bus.KindMessageUpdated, room, m))
	}
	return true, nil
}

func (e *Engine) publish(kind, room string, localID int64) {
	m, err := e.db.Get(localID)
	if err != nil {
		e.logger.Warn("reload ingested message", zap.Int64("id", localID), zap.Error(err))
		return
	}
	if m == nil {
		return
	}
	e.bus.Publish(bus.NewEvent(kind, room, m))
}
