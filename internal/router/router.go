// Package router is the orchestrator: it consumes transport updates,
// enforces the operator allow-list, drives group registration and the
// interactive broadcast flow, and owns all cross-component state
// transitions. Components below it (sessions, albums, dispatcher) never
// call each other directly.
package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaybot/internal/album"
	"relaybot/internal/broadcast"
	"relaybot/internal/dedup"
	"relaybot/internal/ledger"
	"relaybot/internal/notify"
	"relaybot/internal/registry"
	"relaybot/internal/session"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Deps struct {
	Log        logx.Logger
	Adapter    kit.Adapter
	Registry   *registry.Registry
	Ledger     *ledger.Ledger
	Dispatcher *broadcast.Dispatcher
	Sessions   *session.Store
	Albums     *album.Aggregator
	Seen       *dedup.Cache
	Notify     *notify.Service
}

type Router struct {
	log        logx.Logger
	adapter    kit.Adapter
	registry   *registry.Registry
	ledger     *ledger.Ledger
	dispatcher *broadcast.Dispatcher
	sessions   *session.Store
	albums     *album.Aggregator
	seen       *dedup.Cache
	notify     *notify.Service

	ownerMu sync.RWMutex
	owners  map[int64]struct{}

	handle HandlerFunc
}

func New(d Deps, owners []int64) *Router {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:        log,
		adapter:    d.Adapter,
		registry:   d.Registry,
		ledger:     d.Ledger,
		dispatcher: d.Dispatcher,
		sessions:   d.Sessions,
		albums:     d.Albums,
		seen:       d.Seen,
		notify:     d.Notify,
		owners:     map[int64]struct{}{},
	}
	r.SetOwners(owners)
	r.handle = Chain(r.dispatch,
		MWPanicRecover(log),
		MWRequestLog(log),
		MWTimeout(30*time.Second),
	)
	return r
}

// SetOwners replaces the operator allow-list (config reload).
func (r *Router) SetOwners(ids []int64) {
	next := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	r.ownerMu.Lock()
	r.owners = next
	r.ownerMu.Unlock()
}

func (r *Router) isOwner(userID int64) bool {
	r.ownerMu.RLock()
	defer r.ownerMu.RUnlock()
	_, ok := r.owners[userID]
	return ok
}

// Run consumes updates until the channel closes or the context ends.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			_ = r.handle(ctx, up)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, up kit.Update) error {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message == nil {
			return nil
		}
		return r.handleMessage(ctx, up.Message)
	case kit.UpdateCallback:
		if up.Callback == nil {
			return nil
		}
		return r.handleCallback(ctx, up.Callback)
	default:
		return nil
	}
}

func (r *Router) handleMessage(ctx context.Context, m *kit.Message) error {
	// Long-poll restarts replay recent updates; process each message once.
	if r.seen.Seen(dedupKey(m.ChatID, m.ID)) {
		return nil
	}

	if m.ChatType.IsGroup() {
		return r.handleGroupMessage(ctx, m)
	}
	if m.ChatType != kit.ChatPrivate {
		return nil
	}

	if !r.isOwner(m.FromID) {
		_, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: m.ChatID},
			"You are not allowed to control this bot.", nil)
		return err
	}

	switch m.Text {
	case "/start":
		_, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: m.ChatID},
			"Welcome!", &kit.SendOptions{ReplyMarkup: mainKeyboard()})
		return err
	case labelGroupList:
		return r.handleGroupList(ctx, m)
	case "/groups":
		return r.handleGroupsExport(ctx, m)
	case labelDeleteLast, "/delete_last":
		return r.handleDeleteLast(ctx, m)
	}

	return r.handleComposition(ctx, m)
}

func (r *Router) handleGroupMessage(ctx context.Context, m *kit.Message) error {
	// Any group traffic registers the group; /ping additionally confirms.
	added, err := r.registry.Register(ctx, m.ChatID, m.ChatTitle)
	if err != nil {
		r.log.Error("group registration failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
	}
	if m.Text != "/ping" {
		return nil
	}
	reply := "✅ This group is already listed."
	if added {
		reply = "✅ This group has been added to the list."
	}
	_, err = r.adapter.SendText(ctx, kit.ChatTarget{ChatID: m.ChatID}, reply, nil)
	return err
}

func (r *Router) handleGroupList(ctx context.Context, m *kit.Message) error {
	if r.registry.Len() == 0 {
		_, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: m.ChatID},
			"The bot has not been added to any groups.", nil)
		return err
	}

	removed, err := r.registry.RefreshReachability(ctx, func(c context.Context, id int64) error {
		_, e := r.adapter.ChatInfo(c, id)
		return e
	})
	if err != nil {
		r.log.Error("reachability refresh persist failed", logx.Err(err))
	}
	for _, g := range removed {
		r.log.Warn("group removed from list", logx.Int64("group_id", g.ID), logx.String("name", g.Name))
	}

	groups := r.registry.List()
	if len(groups) == 0 {
		_, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: m.ChatID},
			"The bot is no longer in any groups.", nil)
		return err
	}

	var b strings.Builder
	b.WriteString("📋 The bot is present in these groups:\n")
	for i, g := range groups {
		fmt.Fprintf(&b, "%d. %s\n", i+1, g.Name)
	}
	if len(removed) > 0 {
		fmt.Fprintf(&b, "\nRemoved %d unreachable group(s).", len(removed))
	}
	_, err = r.adapter.SendText(ctx, kit.ChatTarget{ChatID: m.ChatID}, b.String(), nil)
	return err
}

func (r *Router) handleGroupsExport(ctx context.Context, m *kit.Message) error {
	raw, err := r.registry.Export(ctx)
	if err != nil {
		_, e := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: m.ChatID},
			"The group list file could not be read.", nil)
		if e != nil {
			return e
		}
		return err
	}
	_, err = r.adapter.SendDocument(ctx, kit.ChatTarget{ChatID: m.ChatID}, "groups.json", raw)
	return err
}

func (r *Router) handleDeleteLast(ctx context.Context, m *kit.Message) error {
	res, err := r.dispatcher.DeleteLast(ctx, m.FromID, r.registry.IDs())
	if err != nil {
		return err
	}
	_, err = r.adapter.SendText(ctx, kit.ChatTarget{ChatID: m.ChatID},
		fmt.Sprintf("Deleted the last message in %d group(s).", res.OK), nil)
	return err
}

// handleComposition turns an operator message into a pending broadcast.
func (r *Router) handleComposition(ctx context.Context, m *kit.Message) error {
	switch {
	case m.AlbumID != "" && m.Photo != nil:
		return r.handleAlbumItem(ctx, m)

	case m.Video != nil:
		r.sessions.Create(m.FromID, broadcast.Payload{
			Kind:    broadcast.KindVideo,
			Media:   *m.Video,
			Caption: m.Caption,
		})
		return r.sendSelectionPrompt(ctx, m.ChatID)

	case m.Photo != nil:
		r.sessions.Create(m.FromID, broadcast.Payload{
			Kind:    broadcast.KindPhoto,
			Media:   *m.Photo,
			Caption: m.Caption,
		})
		return r.sendSelectionPrompt(ctx, m.ChatID)

	case m.Text != "" && !strings.HasPrefix(m.Text, "/"):
		r.sessions.Create(m.FromID, broadcast.Payload{
			Kind: broadcast.KindText,
			Text: m.Text,
		})
		return r.sendSelectionPrompt(ctx, m.ChatID)
	}
	return nil
}

func (r *Router) handleAlbumItem(ctx context.Context, m *kit.Message) error {
	item := kit.AlbumItem{
		Kind:    kit.MediaPhoto,
		FileID:  m.Photo.FileID,
		Caption: m.Caption,
	}
	first := r.albums.Add(m.AlbumID, m.FromID, item)
	if !first {
		return nil
	}

	// One session and one prompt per album, created on the first item.
	r.sessions.Create(m.FromID, broadcast.Payload{Kind: broadcast.KindAlbum})
	if err := r.sessions.AttachCorrelation(m.FromID, m.AlbumID); err != nil {
		return err
	}
	return r.sendSelectionPrompt(ctx, m.ChatID)
}

func (r *Router) sendSelectionPrompt(ctx context.Context, chatID int64) error {
	_, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID},
		"Which groups should receive this?",
		&kit.SendOptions{ReplyMarkup: selectionKeyboard(r.registry.List(), nil)})
	return err
}

// OnAlbumFlush is the aggregator's flush callback. The debounce window
// has passed: the album is complete and goes out immediately, to the
// groups selected so far or to every group when nothing was picked.
func (r *Router) OnAlbumFlush(correlationID string, userID int64, items []kit.AlbumItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if owner, ok := r.sessions.ResolveCorrelation(correlationID); ok {
		userID = owner
	}
	_, selected, err := r.sessions.ConfirmAndClear(userID)
	if err != nil {
		selected = nil
	}
	targets := selected
	if len(targets) == 0 {
		targets = r.registry.IDs()
	}

	res, err := r.dispatcher.Dispatch(ctx, userID, broadcast.Payload{
		Kind:  broadcast.KindAlbum,
		Items: items,
	}, targets)
	if err != nil {
		r.log.Error("album dispatch failed", logx.String("correlation_id", correlationID), logx.Err(err))
		return
	}
	summary := fmt.Sprintf("📷 Album of %d item(s) sent to %d group(s).", len(items), len(targets))
	if res.Failed > 0 {
		summary += fmt.Sprintf(" %d failed.", res.Failed)
	}
	r.notify.Broadcast(ctx, summary)
}

func (r *Router) handleCallback(ctx context.Context, cb *kit.Callback) error {
	scope, action, payload := parseCallback(cb.Data)
	if scope != cbScope {
		return nil
	}
	if !r.isOwner(cb.FromID) {
		return r.adapter.AnswerCallback(ctx, cb.ID, "Not allowed.")
	}

	switch action {
	case cbToggle:
		groupID, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			return r.adapter.AnswerCallback(ctx, cb.ID, "")
		}
		selected, err := r.sessions.Toggle(cb.FromID, groupID)
		if err != nil {
			return r.adapter.AnswerCallback(ctx, cb.ID, "No pending broadcast.")
		}
		if err := r.editSelection(ctx, cb, selected); err != nil {
			return err
		}
		return r.adapter.AnswerCallback(ctx, cb.ID, "")

	case cbAll:
		selected, err := r.sessions.SelectAll(cb.FromID, r.registry.IDs())
		if err != nil {
			return r.adapter.AnswerCallback(ctx, cb.ID, "No pending broadcast.")
		}
		if err := r.editSelection(ctx, cb, selected); err != nil {
			return err
		}
		return r.adapter.AnswerCallback(ctx, cb.ID, "All groups selected")

	case cbSend:
		return r.handleSend(ctx, cb)
	}
	return nil
}

func (r *Router) editSelection(ctx context.Context, cb *kit.Callback, selected map[int64]struct{}) error {
	return r.adapter.EditReplyMarkup(ctx,
		kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID},
		&kit.SendOptions{ReplyMarkup: selectionKeyboard(r.registry.List(), selected)})
}

func (r *Router) handleSend(ctx context.Context, cb *kit.Callback) error {
	pending, err := r.sessions.Peek(cb.FromID)
	if err != nil {
		return r.adapter.AnswerCallback(ctx, cb.ID, "No pending broadcast.")
	}
	// Album payloads are sent by the aggregator flush, not the button.
	// The session must survive the press so the flush still sees the
	// operator's selection.
	if pending.Kind == broadcast.KindAlbum {
		return r.adapter.AnswerCallback(ctx, cb.ID, "The album goes out on its own.")
	}

	payload, targets, err := r.sessions.ConfirmAndClear(cb.FromID)
	if err != nil {
		return r.adapter.AnswerCallback(ctx, cb.ID, "No pending broadcast.")
	}

	res, err := r.dispatcher.Dispatch(ctx, cb.FromID, payload, targets)
	if err != nil {
		return err
	}

	if err := r.adapter.EditReplyMarkup(ctx,
		kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID},
		&kit.SendOptions{ReplyMarkup: emptyKeyboard()}); err != nil {
		r.log.Warn("markup clear failed", logx.Err(err))
	}
	if err := r.adapter.AnswerCallback(ctx, cb.ID, ""); err != nil {
		r.log.Debug("callback answer failed", logx.Err(err))
	}

	text := fmt.Sprintf("✅ Message sent to %d group(s).", res.OK)
	if res.Failed > 0 {
		text += fmt.Sprintf(" %d failed.", res.Failed)
	}
	_, err = r.adapter.SendText(ctx, kit.ChatTarget{ChatID: cb.FromID}, text, nil)
	return err
}

func dedupKey(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}
