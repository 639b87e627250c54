package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"relaybot/internal/album"
	"relaybot/internal/broadcast"
	"relaybot/internal/dedup"
	"relaybot/internal/eventbus"
	"relaybot/internal/ledger"
	"relaybot/internal/notify"
	"relaybot/internal/registry"
	"relaybot/internal/session"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const ownerID = int64(1000)

type sentText struct {
	chatID int64
	text   string
	markup bool
}

type fakeAdapter struct {
	mu sync.Mutex

	nextID    int
	texts     []sentText
	photos    []int64
	videos    []int64
	albums    map[int64][]kit.AlbumItem
	docs      []string
	deleted   []kit.MessageRef
	edits     []kit.MessageRef
	answers   []string
	deadChats map[int64]bool
	failSend  map[int64]error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		albums:    map[int64][]kit.AlbumItem{},
		deadChats: map[int64]bool{},
		failSend:  map[int64]error{},
	}
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) ref(chatID int64) kit.MessageRef {
	f.nextID++
	return kit.MessageRef{ChatID: chatID, MessageID: f.nextID}
}

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failSend[to.ChatID]; err != nil {
		return kit.MessageRef{}, err
	}
	f.texts = append(f.texts, sentText{chatID: to.ChatID, text: text, markup: opt != nil && opt.ReplyMarkup != nil})
	return f.ref(to.ChatID), nil
}

func (f *fakeAdapter) SendPhoto(_ context.Context, to kit.ChatTarget, _ kit.MediaRef, _ string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failSend[to.ChatID]; err != nil {
		return kit.MessageRef{}, err
	}
	f.photos = append(f.photos, to.ChatID)
	return f.ref(to.ChatID), nil
}

func (f *fakeAdapter) SendVideo(_ context.Context, to kit.ChatTarget, _ kit.MediaRef, _ string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videos = append(f.videos, to.ChatID)
	return f.ref(to.ChatID), nil
}

func (f *fakeAdapter) SendAlbum(_ context.Context, to kit.ChatTarget, items []kit.AlbumItem) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failSend[to.ChatID]; err != nil {
		return kit.MessageRef{}, err
	}
	f.albums[to.ChatID] = append([]kit.AlbumItem(nil), items...)
	return f.ref(to.ChatID), nil
}

func (f *fakeAdapter) SendDocument(_ context.Context, to kit.ChatTarget, filename string, _ []byte) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, filename)
	return f.ref(to.ChatID), nil
}

func (f *fakeAdapter) EditReplyMarkup(_ context.Context, ref kit.MessageRef, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, ref)
	return nil
}

func (f *fakeAdapter) DeleteMessage(_ context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) ChatInfo(_ context.Context, chatID int64) (kit.ChatInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deadChats[chatID] {
		return kit.ChatInfo{}, errors.New("chat not found")
	}
	return kit.ChatInfo{ID: chatID, Type: kit.ChatSuperGroup}, nil
}

func (f *fakeAdapter) lastText(t *testing.T) sentText {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		t.Fatalf("no text sent")
	}
	return f.texts[len(f.texts)-1]
}

type fixture struct {
	adapter  *fakeAdapter
	router   *Router
	registry *registry.Registry
	ledger   *ledger.Ledger
	sessions *session.Store
	albums   *album.Aggregator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	reg := registry.New(store, logx.Nop())
	if err := reg.Load(ctx); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	led := ledger.New(store, logx.Nop())
	if err := led.Load(ctx); err != nil {
		t.Fatalf("load ledger: %v", err)
	}

	adapter := newFakeAdapter()
	sessions := session.NewStore(time.Hour)
	dispatcher := broadcast.NewDispatcher(adapter, led, eventbus.New(), 1000, logx.Nop())

	var rtr *Router
	albums := album.New(30*time.Millisecond, func(corrID string, userID int64, items []kit.AlbumItem) {
		rtr.OnAlbumFlush(corrID, userID, items)
	}, logx.Nop())
	t.Cleanup(albums.Close)

	rtr = New(Deps{
		Log:        logx.Nop(),
		Adapter:    adapter,
		Registry:   reg,
		Ledger:     led,
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Albums:     albums,
		Seen:       dedup.New(time.Minute, 128),
		Notify:     notify.New(adapter, []int64{ownerID}, logx.Nop()),
	}, []int64{ownerID})

	return &fixture{
		adapter:  adapter,
		router:   rtr,
		registry: reg,
		ledger:   led,
		sessions: sessions,
		albums:   albums,
	}
}

func privateText(id int, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: id, ChatID: ownerID, ChatType: kit.ChatPrivate, FromID: ownerID, Text: text,
	}}
}

func groupText(id int, chatID int64, title, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: id, ChatID: chatID, ChatType: kit.ChatSuperGroup, ChatTitle: title, FromID: 555, Text: text,
	}}
}

func callback(data string) kit.Update {
	return kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb1", FromID: ownerID, ChatID: ownerID, MessageID: 9000, Data: data,
	}}
}

func (fx *fixture) handle(t *testing.T, up kit.Update) {
	t.Helper()
	if err := fx.router.handle(context.Background(), up); err != nil {
		t.Fatalf("handle: %v", err)
	}
}

func TestPingRegistersGroup(t *testing.T) {
	fx := newFixture(t)

	fx.handle(t, groupText(1, -500, "Ops", "/ping"))
	if fx.registry.Len() != 1 {
		t.Fatalf("group not registered")
	}
	if got := fx.adapter.lastText(t); !strings.Contains(got.text, "added") {
		t.Fatalf("expected added confirmation, got %q", got.text)
	}

	fx.handle(t, groupText(2, -500, "Ops", "/ping"))
	if fx.registry.Len() != 1 {
		t.Fatalf("duplicate registration")
	}
	if got := fx.adapter.lastText(t); !strings.Contains(got.text, "already") {
		t.Fatalf("expected already-listed reply, got %q", got.text)
	}
}

func TestGroupTrafficRegistersSilently(t *testing.T) {
	fx := newFixture(t)

	fx.handle(t, groupText(1, -500, "Ops", "hello"))
	if fx.registry.Len() != 1 {
		t.Fatalf("group not registered")
	}
	fx.adapter.mu.Lock()
	defer fx.adapter.mu.Unlock()
	if len(fx.adapter.texts) != 0 {
		t.Fatalf("implicit registration should not reply, got %v", fx.adapter.texts)
	}
}

func TestNonOwnerRejectedInPrivate(t *testing.T) {
	fx := newFixture(t)

	up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 1, ChatID: 42, ChatType: kit.ChatPrivate, FromID: 42, Text: "hello",
	}}
	fx.handle(t, up)

	if got := fx.adapter.lastText(t); !strings.Contains(got.text, "not allowed") {
		t.Fatalf("expected rejection, got %q", got.text)
	}
	if fx.sessions.Len() != 0 {
		t.Fatalf("non-owner created a session")
	}
}

func TestStartSendsMainKeyboard(t *testing.T) {
	fx := newFixture(t)

	fx.handle(t, privateText(1, "/start"))
	got := fx.adapter.lastText(t)
	if !got.markup {
		t.Fatalf("expected reply keyboard on /start")
	}
}

func TestDuplicateMessageHandledOnce(t *testing.T) {
	fx := newFixture(t)

	fx.handle(t, groupText(1, -500, "Ops", "/ping"))
	fx.handle(t, groupText(1, -500, "Ops", "/ping"))

	fx.adapter.mu.Lock()
	defer fx.adapter.mu.Unlock()
	if len(fx.adapter.texts) != 1 {
		t.Fatalf("replayed update processed twice: %d replies", len(fx.adapter.texts))
	}
}

func TestTextBroadcastFlow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	for _, g := range []struct {
		id   int64
		name string
	}{{-1, "A"}, {-2, "B"}, {-3, "C"}} {
		if _, err := fx.registry.Register(ctx, g.id, g.name); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	fx.handle(t, privateText(1, "announcement"))
	if got := fx.adapter.lastText(t); !got.markup {
		t.Fatalf("expected selection keyboard, got %q", got.text)
	}

	fx.handle(t, callback("bc:toggle:-1"))
	fx.handle(t, callback("bc:toggle:-3"))
	fx.adapter.mu.Lock()
	edits := len(fx.adapter.edits)
	fx.adapter.mu.Unlock()
	if edits != 2 {
		t.Fatalf("expected keyboard re-render per toggle, got %d edits", edits)
	}

	fx.handle(t, callback("bc:send"))

	fx.adapter.mu.Lock()
	defer fx.adapter.mu.Unlock()
	sent := map[int64]bool{}
	for _, st := range fx.adapter.texts {
		if st.text == "announcement" {
			sent[st.chatID] = true
		}
	}
	if !sent[-1] || !sent[-3] || sent[-2] {
		t.Fatalf("expected delivery to -1 and -3 only, got %v", sent)
	}

	if _, ok := fx.ledger.Get(-1); !ok {
		t.Fatalf("ledger missing entry for -1")
	}
	if _, ok := fx.ledger.Get(-2); ok {
		t.Fatalf("ledger has entry for unselected group")
	}
	if fx.sessions.Len() != 0 {
		t.Fatalf("session survived confirmation")
	}
}

func TestSelectAllThenSendReachesEveryGroup(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	for _, id := range []int64{-1, -2, -3} {
		if _, err := fx.registry.Register(ctx, id, "g"); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	fx.handle(t, privateText(1, "to everyone"))
	fx.handle(t, callback("bc:all"))
	fx.handle(t, callback("bc:send"))

	fx.adapter.mu.Lock()
	defer fx.adapter.mu.Unlock()
	count := 0
	for _, st := range fx.adapter.texts {
		if st.text == "to everyone" {
			count++
		}
	}
	if count != 3 {
		t.Fatalf("expected 3 deliveries, got %d", count)
	}
}

func TestCallbackWithoutSessionAnswersGracefully(t *testing.T) {
	fx := newFixture(t)

	fx.handle(t, callback("bc:toggle:-1"))

	fx.adapter.mu.Lock()
	defer fx.adapter.mu.Unlock()
	if len(fx.adapter.answers) != 1 || !strings.Contains(fx.adapter.answers[0], "No pending") {
		t.Fatalf("expected no-session answer, got %v", fx.adapter.answers)
	}
	if len(fx.adapter.edits) != 0 {
		t.Fatalf("keyboard edited without a session")
	}
}

func TestDeleteLastReportsCount(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	for _, id := range []int64{-1, -2, -3, -4, -5} {
		if _, err := fx.registry.Register(ctx, id, "g"); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	fx.ledger.RecordSent(-1, 10)
	fx.ledger.RecordSent(-3, 30)
	fx.ledger.RecordSent(-5, 50)

	fx.handle(t, privateText(1, "/delete_last"))

	fx.adapter.mu.Lock()
	deleted := len(fx.adapter.deleted)
	fx.adapter.mu.Unlock()
	if deleted != 3 {
		t.Fatalf("expected 3 deletions, got %d", deleted)
	}
	if got := fx.adapter.lastText(t); !strings.Contains(got.text, "3") {
		t.Fatalf("expected count in reply, got %q", got.text)
	}
}

func TestGroupListPrunesUnreachable(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	for _, g := range []struct {
		id   int64
		name string
	}{{-1, "Alive"}, {-2, "Dead"}} {
		if _, err := fx.registry.Register(ctx, g.id, g.name); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	fx.adapter.deadChats[-2] = true

	fx.handle(t, privateText(1, labelGroupList))

	got := fx.adapter.lastText(t)
	if !strings.Contains(got.text, "Alive") || strings.Contains(got.text, "Dead") {
		t.Fatalf("unexpected list: %q", got.text)
	}
	if fx.registry.Len() != 1 {
		t.Fatalf("unreachable group not pruned")
	}
}

func TestGroupsExportSendsDocument(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.registry.Register(context.Background(), -1, "A"); err != nil {
		t.Fatalf("register: %v", err)
	}

	fx.handle(t, privateText(1, "/groups"))

	fx.adapter.mu.Lock()
	defer fx.adapter.mu.Unlock()
	if len(fx.adapter.docs) != 1 || fx.adapter.docs[0] != "groups.json" {
		t.Fatalf("expected groups.json document, got %v", fx.adapter.docs)
	}
}

func TestAlbumFlowSendsOnceAfterDebounce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	for _, id := range []int64{-1, -2} {
		if _, err := fx.registry.Register(ctx, id, "g"); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	photo := func(id int, fileID string) kit.Update {
		return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
			ID: id, ChatID: ownerID, ChatType: kit.ChatPrivate, FromID: ownerID,
			Photo: &kit.MediaRef{FileID: fileID}, AlbumID: "alb1",
		}}
	}
	fx.handle(t, photo(1, "f1"))
	fx.handle(t, photo(2, "f2"))
	fx.handle(t, photo(3, "f3"))

	// One prompt for the whole album.
	fx.adapter.mu.Lock()
	prompts := 0
	for _, st := range fx.adapter.texts {
		if st.markup {
			prompts++
		}
	}
	fx.adapter.mu.Unlock()
	if prompts != 1 {
		t.Fatalf("expected a single selection prompt, got %d", prompts)
	}

	deadline := time.After(2 * time.Second)
	for {
		fx.adapter.mu.Lock()
		n := len(fx.adapter.albums)
		fx.adapter.mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("album not dispatched to both groups, got %d", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	fx.adapter.mu.Lock()
	defer fx.adapter.mu.Unlock()
	for _, chatID := range []int64{-1, -2} {
		items := fx.adapter.albums[chatID]
		if len(items) != 3 {
			t.Fatalf("chat %d: expected 3 items, got %d", chatID, len(items))
		}
		for i, want := range []string{"f1", "f2", "f3"} {
			if items[i].FileID != want {
				t.Fatalf("chat %d item %d: expected %q, got %q", chatID, i, want, items[i].FileID)
			}
		}
	}
}

func TestAlbumSendButtonKeepsSelection(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	for _, id := range []int64{-1, -2} {
		if _, err := fx.registry.Register(ctx, id, "g"); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	fx.handle(t, kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 1, ChatID: ownerID, ChatType: kit.ChatPrivate, FromID: ownerID,
		Photo: &kit.MediaRef{FileID: "f1"}, AlbumID: "alb3",
	}})
	fx.handle(t, callback("bc:toggle:-2"))
	// Impatient press before the debounce window closes.
	fx.handle(t, callback("bc:send"))

	fx.adapter.mu.Lock()
	answers := append([]string(nil), fx.adapter.answers...)
	fx.adapter.mu.Unlock()
	if len(answers) == 0 || !strings.Contains(answers[len(answers)-1], "on its own") {
		t.Fatalf("expected album toast, got %v", answers)
	}
	if fx.sessions.Len() != 1 {
		t.Fatalf("send button consumed the album session")
	}

	deadline := time.After(2 * time.Second)
	for {
		fx.adapter.mu.Lock()
		_, toSelected := fx.adapter.albums[-2]
		_, toOther := fx.adapter.albums[-1]
		fx.adapter.mu.Unlock()
		if toSelected {
			if toOther {
				t.Fatalf("album sent to unselected group")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("album never dispatched")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if fx.sessions.Len() != 0 {
		t.Fatalf("session survived the flush")
	}
}

func TestAlbumSummaryCountsTargets(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	for _, id := range []int64{-1, -2} {
		if _, err := fx.registry.Register(ctx, id, "g"); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	fx.adapter.failSend[-1] = errors.New("blocked")

	// No selection: the flush targets every known group.
	fx.handle(t, kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 1, ChatID: ownerID, ChatType: kit.ChatPrivate, FromID: ownerID,
		Photo: &kit.MediaRef{FileID: "f1"}, AlbumID: "alb4",
	}})

	deadline := time.After(2 * time.Second)
	for {
		fx.adapter.mu.Lock()
		var summary string
		for _, st := range fx.adapter.texts {
			if st.chatID == ownerID && strings.Contains(st.text, "Album") {
				summary = st.text
			}
		}
		fx.adapter.mu.Unlock()
		if summary != "" {
			if !strings.Contains(summary, "sent to 2 group(s)") || !strings.Contains(summary, "1 failed") {
				t.Fatalf("unexpected summary: %q", summary)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("no album summary delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAlbumFlushHonorsSelection(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	for _, id := range []int64{-1, -2} {
		if _, err := fx.registry.Register(ctx, id, "g"); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	fx.handle(t, kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 1, ChatID: ownerID, ChatType: kit.ChatPrivate, FromID: ownerID,
		Photo: &kit.MediaRef{FileID: "f1"}, AlbumID: "alb2",
	}})
	fx.handle(t, callback("bc:toggle:-2"))

	deadline := time.After(2 * time.Second)
	for {
		fx.adapter.mu.Lock()
		_, toSelected := fx.adapter.albums[-2]
		_, toOther := fx.adapter.albums[-1]
		fx.adapter.mu.Unlock()
		if toSelected {
			if toOther {
				t.Fatalf("album sent to unselected group")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("album never dispatched")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
