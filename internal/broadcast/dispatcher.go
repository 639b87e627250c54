// Package broadcast replays a captured payload into a list of target
// groups and records what landed where.
package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"relaybot/internal/eventbus"
	"relaybot/internal/ledger"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// EventFinished is published on the bus after every dispatch sweep. Data
// is the *Result.
const EventFinished = "broadcast.finished"

// EventDeleted is published after a bulk delete. Data is the *Result.
const EventDeleted = "broadcast.deleted"

// Sender is the outbound surface the dispatcher needs from the transport.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	SendPhoto(ctx context.Context, to kit.ChatTarget, media kit.MediaRef, caption string, opt *kit.SendOptions) (kit.MessageRef, error)
	SendVideo(ctx context.Context, to kit.ChatTarget, media kit.MediaRef, caption string, opt *kit.SendOptions) (kit.MessageRef, error)
	SendAlbum(ctx context.Context, to kit.ChatTarget, items []kit.AlbumItem) (kit.MessageRef, error)
	DeleteMessage(ctx context.Context, ref kit.MessageRef) error
}

type Dispatcher struct {
	log     logx.Logger
	sender  Sender
	ledger  *ledger.Ledger
	bus     eventbus.Bus
	limiter *rate.Limiter

	newJobID func() string
}

func NewDispatcher(sender Sender, led *ledger.Ledger, bus eventbus.Bus, perSec float64, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if perSec <= 0 {
		perSec = 20
	}
	return &Dispatcher{
		log:      log,
		sender:   sender,
		ledger:   led,
		bus:      bus,
		limiter:  rate.NewLimiter(rate.Limit(perSec), 1),
		newJobID: func() string { return uuid.NewString() },
	}
}

// SetRate replaces the outbound pacing (config reload).
func (d *Dispatcher) SetRate(perSec float64) {
	if perSec <= 0 {
		perSec = 20
	}
	d.limiter.SetLimit(rate.Limit(perSec))
}

// Dispatch sends the payload to every target in order. A failed target is
// logged and skipped; the sweep continues. The ledger is updated per
// success and persisted once at the end.
func (d *Dispatcher) Dispatch(ctx context.Context, actorID int64, payload Payload, targets []int64) (*Result, error) {
	res := &Result{JobID: d.newJobID(), Action: ActionBroadcast, ActorID: actorID}
	started := time.Now()

	d.log.Info("dispatch started",
		logx.String("job_id", res.JobID),
		logx.String("kind", string(payload.Kind)),
		logx.Int("targets", len(targets)))

	for _, groupID := range targets {
		if err := d.limiter.Wait(ctx); err != nil {
			return res, err
		}
		ref, err := d.sendOne(ctx, payload, groupID)
		out := Outcome{GroupID: groupID, Err: err}
		if err != nil {
			res.Failed++
			d.log.Warn("send failed", logx.String("job_id", res.JobID), logx.Int64("group_id", groupID), logx.Err(err))
		} else {
			res.OK++
			out.MessageID = ref.MessageID
			d.ledger.RecordSent(groupID, ref.MessageID)
		}
		res.Outcomes = append(res.Outcomes, out)
	}

	if err := d.ledger.Persist(ctx); err != nil {
		d.log.Error("ledger persist failed", logx.String("job_id", res.JobID), logx.Err(err))
	}

	res.Took = time.Since(started)
	d.log.Info("dispatch finished",
		logx.String("job_id", res.JobID),
		logx.Int("ok", res.OK),
		logx.Int("failed", res.Failed),
		logx.Duration("took", res.Took))
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: EventFinished, Time: time.Now(), Data: res})
	}
	return res, nil
}

func (d *Dispatcher) sendOne(ctx context.Context, p Payload, groupID int64) (kit.MessageRef, error) {
	target := kit.ChatTarget{ChatID: groupID}
	switch p.Kind {
	case KindText:
		return d.sender.SendText(ctx, target, p.Text, nil)
	case KindPhoto:
		return d.sender.SendPhoto(ctx, target, p.Media, p.Caption, nil)
	case KindVideo:
		return d.sender.SendVideo(ctx, target, p.Media, p.Caption, nil)
	case KindAlbum:
		return d.sender.SendAlbum(ctx, target, p.Items)
	default:
		return kit.MessageRef{}, fmt.Errorf("unsupported payload kind %q", p.Kind)
	}
}

// DeleteLast removes the last delivered message in every given group and
// forgets the ledger entries that were actually deleted.
func (d *Dispatcher) DeleteLast(ctx context.Context, actorID int64, targets []int64) (*Result, error) {
	res := &Result{JobID: d.newJobID(), Action: ActionDeleteLast, ActorID: actorID}
	started := time.Now()

	for _, groupID := range targets {
		mid, ok := d.ledger.Get(groupID)
		if !ok {
			continue
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return res, err
		}
		err := d.sender.DeleteMessage(ctx, kit.MessageRef{ChatID: groupID, MessageID: mid})
		out := Outcome{GroupID: groupID, MessageID: mid, Err: err}
		if err != nil {
			res.Failed++
			d.log.Warn("delete failed", logx.String("job_id", res.JobID), logx.Int64("group_id", groupID), logx.Err(err))
		} else {
			res.OK++
			d.ledger.Forget(groupID)
		}
		res.Outcomes = append(res.Outcomes, out)
	}

	if err := d.ledger.Persist(ctx); err != nil {
		d.log.Error("ledger persist failed", logx.String("job_id", res.JobID), logx.Err(err))
	}
	res.Took = time.Since(started)
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: EventDeleted, Time: time.Now(), Data: res})
	}
	return res, nil
}
