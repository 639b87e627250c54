package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSuperGroup ChatType = "supergroup"
)

// IsGroup reports whether the chat is a broadcastable group chat.
func (t ChatType) IsGroup() bool { return t == ChatGroup || t == ChatSuperGroup }

// MediaKind tags a media attachment or album item.
type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// MediaRef points at a server-side media file. For inbound photos the
// adapter resolves the largest available resolution variant.
type MediaRef struct {
	FileID string
	Width  int
	Height int
}

type Message struct {
	ID           int
	ChatID       int64
	ChatType     ChatType
	ChatTitle    string
	FromID       int64
	FromUsername string

	Text    string
	Caption string
	Photo   *MediaRef
	Video   *MediaRef

	// AlbumID is the media-group correlation id shared by all items of one
	// album submission; empty for standalone messages.
	AlbumID string
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	ReplyMarkup    any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// AlbumItem is one ordered entry of a multi-item media send.
type AlbumItem struct {
	Kind      MediaKind
	FileID    string
	Caption   string
	ParseMode string
}

// ChatInfo is the result of a reachability probe.
type ChatInfo struct {
	ID    int64
	Title string
	Type  ChatType
}

// Sender is the minimal outbound surface (enough for log sinks and
// admin notifications).
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is the full transport contract the orchestrator relies on.
// Implementations must return promptly on context cancellation and must
// surface delivery errors to the caller instead of retrying internally.
type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendPhoto(ctx context.Context, to ChatTarget, media MediaRef, caption string, opt *SendOptions) (MessageRef, error)
	SendVideo(ctx context.Context, to ChatTarget, media MediaRef, caption string, opt *SendOptions) (MessageRef, error)
	// SendAlbum delivers items as a single multi-item message and returns
	// the reference of the first delivered item.
	SendAlbum(ctx context.Context, to ChatTarget, items []AlbumItem) (MessageRef, error)
	SendDocument(ctx context.Context, to ChatTarget, filename string, payload []byte) (MessageRef, error)

	EditReplyMarkup(ctx context.Context, ref MessageRef, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// ChatInfo probes whether the bot can still see the chat; an error
	// means the chat is treated as unreachable.
	ChatInfo(ctx context.Context, chatID int64) (ChatInfo, error)
}
