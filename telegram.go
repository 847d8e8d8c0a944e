package relay

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	tele "gopkg.in/telebot.v4"
)

var (
	errEmptyChatID = errm.New("empty chat id")
	errEmptyMsgID  = errm.New("empty msg id")
)

// Messenger is an outbound side of the messaging platform.
// All texts are in HTML parse mode.
type Messenger interface {
	// SendText sends a text message with optional inline keyboard and returns its ID.
	SendText(ctx context.Context, chatID int64, text string, kb *tele.ReplyMarkup) (int, error)
	// EditText replaces text and keyboard of the message. Nil keyboard removes it.
	EditText(ctx context.Context, chatID int64, msgID int, text string, kb *tele.ReplyMarkup) error
	// Delete deletes the message.
	Delete(ctx context.Context, chatID int64, msgID int) error
	// SendFile sends a local file in the representation of [Outgoing.Mode].
	SendFile(ctx context.Context, chatID int64, out Outgoing) error
	// DownloadFile saves a file sent by user to dst.
	DownloadFile(ctx context.Context, fileID, dst string) error
	// Respond answers a callback query, text is shown as a notification if not empty.
	Respond(ctx context.Context, callbackID, text string) error
}

// TelegramMessenger is a [Messenger] over telebot.
type TelegramMessenger struct {
	tbot *tele.Bot
	log  Logger

	defaultOptions []any
	middlewares    []func(upd *tele.Update) bool

	started atomic.Bool
}

func newTelegramMessenger(opts Options) (*TelegramMessenger, error) {
	t := &TelegramMessenger{
		log:            opts.Logger,
		defaultOptions: []any{tele.ModeHTML, tele.NoPreview},
		middlewares:    make([]func(upd *tele.Update) bool, 0),
	}

	poller := opts.Poller
	if poller == nil && opts.Config.WebhookURL != "" && !opts.Config.TestMode {
		wp, err := newWebhookPoller(opts.Config, opts.Logger)
		if err != nil {
			return nil, errm.Wrap(err, "new webhook poller")
		}
		poller = wp
	}
	if poller == nil {
		poller = &tele.LongPoller{Timeout: opts.Config.LPTimeout}
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:  opts.Config.Token,
		Poller: tele.NewMiddlewarePoller(poller, t.middleware),
		// Uploads of big files share the client with long polling
		Client:  &http.Client{Timeout: max(2*opts.Config.LPTimeout, opts.Config.UploadTimeout)},
		Verbose: opts.Config.Debug,
		OnError: func(err error, ctx tele.Context) {
			var chatID int64
			if ctx != nil && ctx.Chat() != nil {
				chatID = ctx.Chat().ID
			}
			t.log.Error("error callback", "error", err, "chat_id", chatID)
		},
		Offline: opts.Config.TestMode,
	})
	if err != nil {
		return nil, errm.Wrap(err, "new telebot")
	}
	t.tbot = bot

	return t, nil
}

// Bot returns the underlying *tele.Bot.
func (t *TelegramMessenger) Bot() *tele.Bot {
	return t.tbot
}

func (t *TelegramMessenger) start() {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	t.log.Info("bot is starting")
	lang.Go(t.log, t.tbot.Start)
}

// stop blocks until the poller is stopped, telebot hangs if it was not started.
func (t *TelegramMessenger) stop() {
	if !t.started.CompareAndSwap(true, false) {
		return
	}
	t.log.Info("bot is stopping")
	t.tbot.Stop()
}

func (t *TelegramMessenger) addMiddleware(f func(upd *tele.Update) bool) {
	t.middlewares = append(t.middlewares, f)
}

func (t *TelegramMessenger) handle(endpoint any, handler tele.HandlerFunc) {
	t.tbot.Handle(endpoint, handler)
}

func (t *TelegramMessenger) SendText(ctx context.Context, chatID int64, text string, kb *tele.ReplyMarkup) (int, error) {
	if chatID == 0 {
		return 0, errEmptyChatID
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m, err := t.tbot.Send(chatIDWrapper(chatID), text, t.options(kb)...)
	if err != nil {
		return 0, err
	}

	return m.ID, nil
}

func (t *TelegramMessenger) EditText(ctx context.Context, chatID int64, msgID int, text string, kb *tele.ReplyMarkup) error {
	if chatID == 0 {
		return errEmptyChatID
	}
	if msgID == 0 {
		return errEmptyMsgID
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := t.tbot.Edit(getEditable(chatID, msgID), text, t.options(kb)...)
	if err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			t.log.Debug("message is not modified", "msg_id", msgID, "chat_id", chatID)
			return nil
		}
		return err
	}

	return nil
}

func (t *TelegramMessenger) Delete(ctx context.Context, chatID int64, msgID int) error {
	if chatID == 0 {
		return errEmptyChatID
	}
	if msgID == 0 {
		return errEmptyMsgID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.tbot.Delete(getEditable(chatID, msgID))
}

// SendFile uploads the file. Telebot has no context support, so the context is checked
// only before the upload starts.
func (t *TelegramMessenger) SendFile(ctx context.Context, chatID int64, out Outgoing) error {
	if chatID == 0 {
		return errEmptyChatID
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := t.tbot.Send(chatIDWrapper(chatID), sendable(out), t.defaultOptions...)
	if err != nil {
		return errm.Wrap(err, "send", "mode", out.Mode)
	}

	return nil
}

func (t *TelegramMessenger) DownloadFile(ctx context.Context, fileID, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.tbot.Download(&tele.File{FileID: fileID}, dst)
}

func (t *TelegramMessenger) Respond(ctx context.Context, callbackID, text string) error {
	if callbackID == "" {
		return nil
	}
	return t.tbot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

func (t *TelegramMessenger) options(kb *tele.ReplyMarkup) []any {
	opts := append([]any{}, t.defaultOptions...)
	if kb != nil {
		opts = append(opts, kb)
	}
	return opts
}

func (t *TelegramMessenger) middleware(upd *tele.Update) bool {
	if upd.MyChatMember != nil {
		if lang.Deref(upd.MyChatMember.NewChatMember).Role == "kicked" {
			t.log.Warn("bot is blocked",
				"user_id", lang.Deref(upd.MyChatMember.Sender).ID,
				"username", lang.Deref(upd.MyChatMember.Sender).Username)
			return false
		}
		if lang.Deref(upd.MyChatMember.OldChatMember).Role == "kicked" {
			t.log.Info("bot is unblocked",
				"user_id", lang.Deref(upd.MyChatMember.Sender).ID,
				"username", lang.Deref(upd.MyChatMember.Sender).Username)
			return false
		}
	}

	for _, m := range t.middlewares {
		if !m(upd) {
			return false
		}
	}

	return true
}

func sendable(out Outgoing) tele.Sendable {
	file := tele.FromDisk(out.Path)

	var thumb *tele.Photo
	if out.Thumbnail != "" {
		thumb = &tele.Photo{File: tele.FromDisk(out.Thumbnail)}
	}

	switch out.Mode {
	case ModeVideo:
		return &tele.Video{File: file, FileName: out.FileName, Caption: out.Caption, Thumbnail: thumb, Streaming: true}
	case ModeAudio:
		return &tele.Audio{File: file, FileName: out.FileName, Caption: out.Caption, Thumbnail: thumb}
	case ModePhoto:
		return &tele.Photo{File: file, Caption: out.Caption}
	default:
		return &tele.Document{File: file, FileName: out.FileName, Caption: out.Caption, Thumbnail: thumb}
	}
}

type chatIDWrapper int64

func (c chatIDWrapper) Recipient() string {
	return strconv.FormatInt(int64(c), 10)
}

func getEditable(chatID int64, messageID int) tele.Editable {
	return &tele.Message{ID: messageID, Chat: &tele.Chat{ID: chatID}}
}

// IsBlockedError returns true if user blocked the bot.
func IsBlockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "bot was blocked by the user")
}

// IsNotFoundEditMsgErr returns true if the edited message doesn't exist anymore.
func IsNotFoundEditMsgErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "message to edit not found")
}
