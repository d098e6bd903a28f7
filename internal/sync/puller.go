package sync

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Source fetches messages from the server.
type Source interface {
	PullInitial(ctx context.Context, room string, since int64, hasSince bool) ([]*store.Message, error)
	PullPage(ctx context.Context, room string, anchor int64, dir store.Direction, limit int) ([]*store.Message, error)
}

// Puller drives pulls from a Source into the Engine. Page requests are paced
// by a rate limiter so a long backfill does not flood the server.
type Puller struct {
	src      Source
	engine   *Engine
	limiter  *rate.Limiter
	pageSize int
	logger   *zap.Logger
}

// NewPuller creates a puller. A nil limiter means no pacing.
func NewPuller(src Source, engine *Engine, limiter *rate.Limiter, pageSize int, logger *zap.Logger) *Puller {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Puller{src: src, engine: engine, limiter: limiter, pageSize: pageSize, logger: logger}
}

// PullResult summarizes a pull.
type PullResult struct {
	Pages    int
	Messages int
	MaxUUID  int64
	// Exhausted is set when the server returned an empty page.
	Exhausted bool
}

func (r *PullResult) add(n int, ir IngestResult) {
	r.Pages++
	r.Messages += n
	if ir.MaxUUID > r.MaxUUID {
		r.MaxUUID = ir.MaxUUID
	}
}

// PullInitial fetches everything newer than the room's watermark.
func (p *Puller) PullInitial(ctx context.Context, room string) (PullResult, error) {
	var res PullResult
	since, ok, err := p.engine.db.LatestReceivedUUID(room)
	if err != nil {
		return res, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return res, err
	}
	msgs, err := p.src.PullInitial(ctx, room, since, ok)
	if err != nil {
		return res, fmt.Errorf("pull initial: %w", err)
	}
	ir, err := p.engine.Ingest(room, "initial", msgs)
	if err != nil {
		return res, err
	}
	res.add(len(msgs), ir)
	res.Exhausted = len(msgs) == 0
	return res, nil
}

// PullPage fetches and ingests one page on dir's side of anchor.
func (p *Puller) PullPage(ctx context.Context, room string, anchor int64, dir store.Direction) ([]*store.Message, PullResult, error) {
	var res PullResult
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, res, err
	}
	msgs, err := p.src.PullPage(ctx, room, anchor, dir, p.pageSize)
	if err != nil {
		return nil, res, fmt.Errorf("pull page %s %d: %w", dir, anchor, err)
	}
	ir, err := p.engine.Ingest(room, "page", msgs)
	if err != nil {
		return nil, res, err
	}
	res.add(len(msgs), ir)
	res.Exhausted = len(msgs) == 0
	return msgs, res, nil
}

// PullUntilExhausted requests pages starting at anchor, each time using the
// uuid of the last message as the next anchor, until the server returns an
// empty page. The loop checks ctx before every request and never requests
// the same anchor twice.
func (p *Puller) PullUntilExhausted(ctx context.Context, room string, anchor int64, dir store.Direction) (PullResult, error) {
	var total PullResult
	seen := make(map[int64]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if _, dup := seen[anchor]; dup {
			p.logger.Warn("pull stopped on repeated anchor",
				zap.String("room", room), zap.Int64("uuid", anchor), zap.String("direction", string(dir)))
			return total, nil
		}
		seen[anchor] = struct{}{}

		msgs, res, err := p.PullPage(ctx, room, anchor, dir)
		if err != nil {
			return total, err
		}
		if res.Exhausted {
			total.Exhausted = true
			return total, nil
		}
		total.Pages += res.Pages
		total.Messages += res.Messages
		if res.MaxUUID > total.MaxUUID {
			total.MaxUUID = res.MaxUUID
		}

		next := msgs[len(msgs)-1].UUID
		if next <= 0 {
			p.logger.Warn("pull stopped on page without uuid", zap.String("room", room))
			return total, nil
		}
		anchor = next
	}
}
