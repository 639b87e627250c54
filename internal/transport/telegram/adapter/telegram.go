package adapter

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	tele "gopkg.in/telebot.v4"

	rtsup "relaybot/internal/runtime/supervisor"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, drop logger).
	// It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the Telegram poll loop. Logged periodically to avoid per-update spam.
	droppedUpdates uint64

	// breaker guards outbound API calls so a Telegram outage fails fast
	// instead of stalling a whole dispatch sweep on timeouts.
	breaker *gobreaker.CircuitBreaker[any]
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	a.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "telegram.out",
		MaxRequests: 2,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			// Per-chat delivery errors (kicked, blocked) are normal; only a
			// long unbroken failure streak suggests the API itself is down.
			return c.ConsecutiveFailures >= 12
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.log.Warn("outbound breaker state changed",
				logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func chatTypeOf(c *tele.Chat) kit.ChatType {
	if c == nil {
		return ""
	}
	switch c.Type {
	case tele.ChatPrivate:
		return kit.ChatPrivate
	case tele.ChatGroup:
		return kit.ChatGroup
	case tele.ChatSuperGroup:
		return kit.ChatSuperGroup
	default:
		return kit.ChatType(c.Type)
	}
}

func (a *Adapter) messageFrom(m *tele.Message) *kit.Message {
	out := &kit.Message{
		ID:        m.ID,
		ChatID:    m.Chat.ID,
		ChatType:  chatTypeOf(m.Chat),
		ChatTitle: m.Chat.Title,
		Text:      m.Text,
		Caption:   m.Caption,
		AlbumID:   m.AlbumID,
	}
	if m.Sender != nil {
		out.FromID = m.Sender.ID
		out.FromUsername = m.Sender.Username
	}
	if m.Photo != nil {
		// telebot keeps the largest size variant in Photo.
		out.Photo = &kit.MediaRef{FileID: m.Photo.FileID, Width: m.Photo.Width, Height: m.Photo.Height}
	}
	if m.Video != nil {
		out.Video = &kit.MediaRef{FileID: m.Video.FileID, Width: m.Video.Width, Height: m.Video.Height}
	}
	return out
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	onMessage := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: a.messageFrom(m)})
		return nil
	}
	a.bot.Handle(tele.OnText, onMessage)
	a.bot.Handle(tele.OnPhoto, onMessage)
	a.bot.Handle(tele.OnVideo, onMessage)

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil {
			return nil
		}
		up := kit.Update{
			Kind: kit.UpdateCallback,
			Callback: &kit.Callback{
				ID:        cb.ID,
				ChatID:    m.Chat.ID,
				FromID:    cb.Sender.ID,
				MessageID: m.ID,
				// telebot prefixes callback data with "\f"; strip it.
				Data: strings.TrimPrefix(cb.Data, "\f"),
			},
		}
		a.sendUpdate(up)
		return nil
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Periodic summary for dropped updates (avoid noisy per-update logs).
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Any("count", n), logx.Int("chan_cap", cap(out)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Any("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	})

	// Stop telebot when the adapter context is cancelled.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// Telebot's Start() is a long-running loop. In some failure modes it can
	// exit unexpectedly; run it under a restart loop so the adapter self-heals.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		if a.bot != nil {
			a.bot.Start()
		}
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}

	if sup != nil {
		sup.Cancel()
	}
	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}
	if sup == nil {
		return nil
	}

	// Grace window: keep shutdown snappy even if getUpdates long-poll is
	// still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) call(ctx context.Context, fn func() (any, error)) (any, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	return a.breaker.Execute(fn)
}

func sendOptions(opt *kit.SendOptions) *tele.SendOptions {
	if opt == nil {
		return &tele.SendOptions{}
	}
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
	}
	if rm, ok := opt.ReplyMarkup.(*tele.ReplyMarkup); ok {
		so.ReplyMarkup = rm
	}
	return so
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	chat := &tele.Chat{ID: to.ChatID}
	v, err := a.call(ctx, func() (any, error) {
		return a.bot.Send(chat, text, sendOptions(opt))
	})
	if err != nil {
		return kit.MessageRef{}, err
	}
	msg := v.(*tele.Message)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) SendPhoto(ctx context.Context, to kit.ChatTarget, media kit.MediaRef, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	chat := &tele.Chat{ID: to.ChatID}
	photo := &tele.Photo{File: tele.File{FileID: media.FileID}, Caption: caption}
	v, err := a.call(ctx, func() (any, error) {
		return a.bot.Send(chat, photo, sendOptions(opt))
	})
	if err != nil {
		return kit.MessageRef{}, err
	}
	msg := v.(*tele.Message)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) SendVideo(ctx context.Context, to kit.ChatTarget, media kit.MediaRef, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	chat := &tele.Chat{ID: to.ChatID}
	video := &tele.Video{File: tele.File{FileID: media.FileID}, Caption: caption}
	v, err := a.call(ctx, func() (any, error) {
		return a.bot.Send(chat, video, sendOptions(opt))
	})
	if err != nil {
		return kit.MessageRef{}, err
	}
	msg := v.(*tele.Message)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) SendAlbum(ctx context.Context, to kit.ChatTarget, items []kit.AlbumItem) (kit.MessageRef, error) {
	if len(items) == 0 {
		return kit.MessageRef{}, errors.New("empty album")
	}
	album := make(tele.Album, 0, len(items))
	for _, it := range items {
		switch it.Kind {
		case kit.MediaVideo:
			album = append(album, &tele.Video{File: tele.File{FileID: it.FileID}, Caption: it.Caption})
		default:
			album = append(album, &tele.Photo{File: tele.File{FileID: it.FileID}, Caption: it.Caption})
		}
	}
	chat := &tele.Chat{ID: to.ChatID}
	v, err := a.call(ctx, func() (any, error) {
		return a.bot.SendAlbum(chat, album)
	})
	if err != nil {
		return kit.MessageRef{}, err
	}
	msgs := v.([]tele.Message)
	if len(msgs) == 0 {
		return kit.MessageRef{}, errors.New("album send returned no messages")
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: msgs[0].ID}, nil
}

func (a *Adapter) SendDocument(ctx context.Context, to kit.ChatTarget, filename string, payload []byte) (kit.MessageRef, error) {
	chat := &tele.Chat{ID: to.ChatID}
	doc := &tele.Document{File: tele.FromReader(bytes.NewReader(payload)), FileName: filename}
	v, err := a.call(ctx, func() (any, error) {
		return a.bot.Send(chat, doc)
	})
	if err != nil {
		return kit.MessageRef{}, err
	}
	msg := v.(*tele.Message)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) EditReplyMarkup(ctx context.Context, ref kit.MessageRef, opt *kit.SendOptions) error {
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	var rm *tele.ReplyMarkup
	if opt != nil {
		rm, _ = opt.ReplyMarkup.(*tele.ReplyMarkup)
	}
	_, err := a.call(ctx, func() (any, error) {
		return a.bot.EditReplyMarkup(m, rm)
	})
	return err
}

func (a *Adapter) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := a.call(ctx, func() (any, error) {
		return nil, a.bot.Delete(m)
	})
	return err
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

func (a *Adapter) ChatInfo(ctx context.Context, chatID int64) (kit.ChatInfo, error) {
	v, err := a.call(ctx, func() (any, error) {
		return a.bot.ChatByID(chatID)
	})
	if err != nil {
		return kit.ChatInfo{}, err
	}
	chat := v.(*tele.Chat)
	return kit.ChatInfo{ID: chat.ID, Title: chat.Title, Type: chatTypeOf(chat)}, nil
}
