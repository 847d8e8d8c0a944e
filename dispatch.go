package relay

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/maxbolgarin/abstract"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
)

const (
	// DefaultUploadLimit is the maximum size of a file that bots can upload to Telegram.
	DefaultUploadLimit int64 = 50 << 20
	// PhotoUploadLimit is the maximum size of a file sent as photo.
	PhotoUploadLimit int64 = 10 << 20
)

var (
	videoExtensions = map[string]struct{}{
		".mp4": {}, ".mkv": {}, ".mov": {}, ".avi": {}, ".webm": {}, ".m4v": {}, ".flv": {}, ".wmv": {}, ".3gp": {}, ".mpeg": {}, ".mpg": {}, ".ts": {},
	}
	audioExtensions = map[string]struct{}{
		".mp3": {}, ".m4a": {}, ".aac": {}, ".ogg": {}, ".oga": {}, ".opus": {}, ".flac": {}, ".wav": {}, ".wma": {},
	}
	imageExtensions = map[string]struct{}{
		".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".bmp": {},
	}
)

// SelectMode returns representation of the file: explicit mode wins, auto mode infers it from extension.
// Unknown and missing extensions are sent as documents.
func SelectMode(mode UploadMode, name string) UploadMode {
	if mode != ModeAuto && mode.IsValid() {
		return mode
	}

	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := videoExtensions[ext]; ok {
		return ModeVideo
	}
	if _, ok := audioExtensions[ext]; ok {
		return ModeAudio
	}
	if _, ok := imageExtensions[ext]; ok {
		return ModePhoto
	}
	return ModeDocument
}

// Outgoing is a file prepared for sending to chat.
type Outgoing struct {
	Mode     UploadMode
	Path     string
	FileName string
	Size     int64
	Caption  string
	// Thumbnail is set only for document, video and audio.
	Thumbnail string
}

// Offloader stores files that are too big for the messaging platform and returns a download link.
type Offloader interface {
	Offload(ctx context.Context, file LocalFile) (string, error)
}

// DispatcherConfig contains parameters of [Dispatcher].
type DispatcherConfig struct {
	// UploadLimit is the maximum size of a file accepted by the platform.
	UploadLimit int64
}

// Dispatcher sends downloaded files to chat.
type Dispatcher struct {
	msgr    Messenger
	off     Offloader
	msgs    Messages
	metrics *metrics
	log     Logger

	uploadLimit int64
}

// NewDispatcher creates a dispatcher. Offloader is optional.
func NewDispatcher(msgr Messenger, off Offloader, msgs Messages, cfg DispatcherConfig, log Logger) *Dispatcher {
	return &Dispatcher{
		msgr:        msgr,
		off:         off,
		msgs:        lang.If[Messages](msgs != nil, msgs, defaultMessages{}),
		log:         lang.If[Logger](log != nil, log, noopLogger{}),
		uploadLimit: lang.Check(cfg.UploadLimit, DefaultUploadLimit),
	}
}

// Deliver sends the file to the chat of the session. It never retries.
// The local file is removed when Deliver returns, whatever the result is.
func (d *Dispatcher) Deliver(ctx context.Context, file LocalFile, sess Session, caption string) (mode UploadMode, err error) {
	defer func() {
		if rmErr := file.Remove(); rmErr != nil {
			d.log.Error("cannot remove uploaded file", "error", rmErr, "user_id", sess.UserID, "path", file.Path)
		}
		d.metrics.observeUpload(mode, KindOf(err))
	}()
	timer := abstract.StartTimer()

	mode = SelectMode(sess.Mode, file.Name)
	if mode == ModePhoto && file.Size > PhotoUploadLimit {
		d.log.Debug("photo is too big, send as document", "user_id", sess.UserID, "size", file.Size)
		mode = ModeDocument
	}

	if file.Size > d.uploadLimit {
		return mode, d.offload(ctx, file, sess, caption)
	}

	out := Outgoing{
		Mode:     mode,
		Path:     file.Path,
		FileName: file.Name,
		Size:     file.Size,
		Caption:  caption,
	}
	if mode != ModePhoto {
		out.Thumbnail = sess.ThumbnailPath
	}

	if err := d.msgr.SendFile(ctx, sess.ChatID, out); err != nil {
		return mode, classifyUpload(ctx, err, "send file", "mode", mode, "name", file.Name)
	}

	d.metrics.observeUploadDuration(mode, timer.ElapsedTime())
	d.log.Debug("file delivered", "user_id", sess.UserID, "name", file.Name, "mode", mode, "size", file.Size,
		"elapsed", timer.ElapsedTime())

	return mode, nil
}

func (d *Dispatcher) offload(ctx context.Context, file LocalFile, sess Session, caption string) error {
	if d.off == nil {
		return newError(KindUpload, nil, "file exceeds upload limit", "size", file.Size, "limit", d.uploadLimit)
	}

	link, err := d.off.Offload(ctx, file)
	if err != nil {
		return classifyUpload(ctx, err, "offload file", "name", file.Name)
	}

	if _, err := d.msgr.SendText(ctx, sess.ChatID, d.msgs.Offloaded(file.Name, file.Size, link, caption), nil); err != nil {
		return classifyUpload(ctx, err, "send offload link")
	}

	d.log.Info("file offloaded", "user_id", sess.UserID, "name", file.Name, "size", file.Size)

	return nil
}

func classifyUpload(ctx context.Context, err error, msg string, fields ...any) *Error {
	if errm.Is(ctx.Err(), context.Canceled) {
		return newError(KindCancelled, err, msg, fields...)
	}
	return newError(KindUpload, err, msg, fields...)
}
