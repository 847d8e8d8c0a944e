package relay

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/maxbolgarin/lang"
)

// MessageProvider is an interface for providing messages based on the user language code.
type MessageProvider interface {
	// Messages returns messages for a specific language.
	Messages(languageCode string) Messages
}

// Messages is a collection of user-visible texts in HTML parse mode.
// Texts must not contain internal details such as paths or raw errors.
type Messages interface {
	// GeneralError returns the message that is sent when an unhandled error occurs.
	GeneralError() string

	Start() string
	Help(maxFileSize int64) string
	Settings(sess Session) string

	InvalidURL() string
	Busy() string
	ServerBusy() string
	NoPending() string

	ChooseMode(url string, info *RemoteInfo, mode UploadMode) string
	RenamePrompt() string
	InvalidName() string
	PromptCancelled() string
	StaleButton() string

	Downloading(url string) string
	Progress(p Progress) string
	Uploading(name string, size int64) string
	Failed(kind ErrorKind, status int) string
	// Caption is a caption of the uploaded file, its visible text must fit [MaxCaptionLength].
	Caption(url string) string
	Offloaded(name string, size int64, link, caption string) string

	Cancelling() string
	NothingToCancel() string
	Cleared() string

	ThumbnailPrompt() string
	ThumbnailSaved() string
	ThumbnailDeleted() string
	NoThumbnail() string
	UnexpectedPhoto() string

	ModeSet(mode UploadMode) string
	ModeUsage() string
	AskToggled(enabled bool) string

	ModeButton(mode UploadMode) string
	RenameButton() string
	UploadButton() string
	CancelButton() string
}

// Format is a type of message formatting in Telegram in HTML format.
type Format string

const (
	Bold   Format = "<b>"
	Italic Format = "<i>"
	Code   Format = "<code>"
	Pre    Format = "<pre>"

	boldEnd   = "</b>"
	italicEnd = "</i>"
	codeEnd   = "</code>"
	preEnd    = "</pre>"
)

// F returns a formatted string. The input is escaped.
func F(msg string, formats ...Format) string {
	msg = html.EscapeString(msg)
	for _, f := range formats {
		switch f {
		case Bold:
			msg = string(Bold) + msg + boldEnd
		case Italic:
			msg = string(Italic) + msg + italicEnd
		case Code:
			msg = string(Code) + msg + codeEnd
		case Pre:
			msg = string(Pre) + msg + preEnd
		}
	}
	return msg
}

// Builder is a wrapper for strings.Builder with additional methods.
// Empty value of Builder is ready to use.
type Builder struct {
	strings.Builder
}

// Writef writes a formatted string to the builder using fmt.Sprintf.
func (b *Builder) Writef(format string, args ...any) {
	b.WriteString(fmt.Sprintf(format, args...))
}

// Writeln writes a string to the builder and adds a newline at the end.
func (b *Builder) Writeln(s string) {
	b.WriteString(s + "\n")
}

// WriteIf writes either msgIf or msgElse depending on the value of first argument.
func (b *Builder) WriteIf(toWrite bool, msgIf, msgElse string) {
	if toWrite {
		b.WriteString(msgIf)
	} else {
		b.WriteString(msgElse)
	}
}

// FormatSize returns human readable size or "unknown" for negative values.
func FormatSize(size int64) string {
	if size < 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(size))
}

func newDefaultMessageProvider() MessageProvider {
	return defaultMessageProvider{}
}

type defaultMessageProvider struct{}

func (defaultMessageProvider) Messages(string) Messages {
	return defaultMessages{}
}

type defaultMessages struct{}

func (defaultMessages) GeneralError() string {
	return "❌ Something went wrong. Please try again later."
}

func (defaultMessages) Start() string {
	return "👋 Send me a direct download link and I will upload the file here.\n\nSend /help to see all commands."
}

func (defaultMessages) Help(maxFileSize int64) string {
	var b Builder
	b.Writeln(F("How to use:", Bold))
	b.Writeln("1. Send a direct link starting with http:// or https://")
	b.Writeln("2. Choose how to send it or rename it")
	b.Writeln("3. Get your file")
	b.Writeln("")
	b.Writeln(F("Commands:", Bold))
	b.Writeln("/settings - show current settings")
	b.Writeln("/mode &lt;document|video|audio|photo|auto&gt; - default upload mode")
	b.Writeln("/ask - turn the choice prompt on or off")
	b.Writeln("/rename &lt;name&gt; - rename the pending file")
	b.Writeln("/skip - keep the original name")
	b.Writeln("/thumbnail - set a thumbnail, /delthumb - remove it")
	b.Writeln("/cancel - cancel the current operation")
	b.Writeln("/clear - forget your session")
	b.Writef("\nMaximum file size: %s", F(FormatSize(maxFileSize), Bold))
	return b.String()
}

func (m defaultMessages) Settings(sess Session) string {
	var b Builder
	b.Writeln(F("⚙️ Settings", Bold))
	b.Writef("Upload mode: %s\n", F(m.ModeButton(sess.Mode), Bold))
	b.Writef("Ask before download: %s\n", F(lang.If(sess.AskMode, "on", "off"), Bold))
	b.WriteIf(sess.ThumbnailPath != "", "Thumbnail: set", "Thumbnail: not set")
	return b.String()
}

func (defaultMessages) InvalidURL() string {
	return "❌ Please send a valid link starting with http:// or https://"
}

func (defaultMessages) Busy() string {
	return "⏳ Your previous file is still in progress. Wait for it or send /cancel."
}

func (defaultMessages) ServerBusy() string {
	return "⏳ Too many transfers right now. Please try again in a minute."
}

func (defaultMessages) NoPending() string {
	return "There is no pending link. Send a link first."
}

func (m defaultMessages) ChooseMode(url string, info *RemoteInfo, mode UploadMode) string {
	var b Builder
	b.Writeln(F("📁 File detected", Bold))
	b.Writeln("")
	if info != nil {
		b.Writef("Name: %s\n", F(info.Name, Code))
		b.Writef("Size: %s\n", F(FormatSize(info.Size)))
		if info.ContentType != "" {
			b.Writef("Type: %s\n", F(info.ContentType))
		}
	} else {
		b.Writef("Link: %s\n", F(url))
	}
	b.Writef("Mode: %s\n\n", F(m.ModeButton(mode), Bold))
	b.WriteString("Choose how to send it, rename it or upload now.")
	return b.String()
}

func (defaultMessages) RenamePrompt() string {
	return "✏️ Send the new file name, e.g. " + F("notes.txt", Code) + ".\nSend /skip to keep the original name."
}

func (defaultMessages) InvalidName() string {
	return "❌ This file name is empty or invalid. Send another one or /skip."
}

func (defaultMessages) PromptCancelled() string {
	return "Operation cancelled."
}

func (defaultMessages) StaleButton() string {
	return "This button is outdated"
}

func (defaultMessages) Downloading(url string) string {
	return "⏳ Downloading...\n" + F(url, Code)
}

func (defaultMessages) Progress(p Progress) string {
	var b Builder
	b.Writef("⏳ Downloading %s\n", F(p.Name, Code))
	if pct := p.Percent(); pct >= 0 {
		b.Writef("%s %.1f%%\n", ProgressBar(pct, 20), pct)
		b.Writef("%s / %s", FormatSize(p.Downloaded), FormatSize(p.Total))
	} else {
		b.Writef("%s downloaded", FormatSize(p.Downloaded))
	}
	return b.String()
}

func (defaultMessages) Uploading(name string, size int64) string {
	return fmt.Sprintf("📤 Uploading %s (%s)...", F(name, Code), FormatSize(size))
}

func (defaultMessages) Failed(kind ErrorKind, status int) string {
	switch kind {
	case KindInvalidURL:
		return "❌ Invalid link. It must start with http:// or https://"
	case KindFileTooLarge:
		return "❌ The file is too large."
	case KindRemote:
		if status > 0 {
			return fmt.Sprintf("❌ Download failed: the server responded with status %d.", status)
		}
		return "❌ Download failed: the server responded with an error."
	case KindTransport:
		return "❌ Download failed: connection error or timeout. You can send the link again."
	case KindUpload:
		return "❌ Upload failed: Telegram did not accept the file."
	case KindCancelled:
		return "🚫 Cancelled."
	default:
		return "❌ Something went wrong. Please try again later."
	}
}

// MaxCaptionLength is a platform limit of a media caption in characters after entities parsing.
const MaxCaptionLength = 1024

const captionPrefix = "✅ Upload complete!\n\nOriginal URL: "

func (defaultMessages) Caption(url string) string {
	return captionPrefix + F(truncate(url, MaxCaptionLength-utf8.RuneCountInString(captionPrefix)))
}

// truncate cuts s to n runes, the last one is replaced with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

func (defaultMessages) Offloaded(name string, size int64, link, caption string) string {
	var b Builder
	b.Writef("📦 %s (%s) is too big for Telegram, download it here:\n", F(name, Code), FormatSize(size))
	b.Writef("<a href=\"%s\">%s</a>\n\n", html.EscapeString(link), F(name))
	b.WriteString(caption)
	return b.String()
}

func (defaultMessages) Cancelling() string {
	return "🚫 Cancelling..."
}

func (defaultMessages) NothingToCancel() string {
	return "Nothing to cancel."
}

func (defaultMessages) Cleared() string {
	return "🧹 Your session and thumbnail are removed."
}

func (defaultMessages) ThumbnailPrompt() string {
	return "🖼 Send a photo to use as a thumbnail."
}

func (defaultMessages) ThumbnailSaved() string {
	return "✅ Thumbnail saved."
}

func (defaultMessages) ThumbnailDeleted() string {
	return "🗑 Thumbnail removed."
}

func (defaultMessages) NoThumbnail() string {
	return "You have no thumbnail."
}

func (defaultMessages) UnexpectedPhoto() string {
	return "Send /thumbnail first if you want to set a thumbnail."
}

func (m defaultMessages) ModeSet(mode UploadMode) string {
	return "✅ Upload mode: " + F(m.ModeButton(mode), Bold)
}

func (defaultMessages) ModeUsage() string {
	return "Usage: /mode document|video|audio|photo|auto"
}

func (defaultMessages) AskToggled(enabled bool) string {
	return lang.If(enabled, "✅ I will ask before every download.", "✅ I will download links right away.")
}

func (defaultMessages) ModeButton(mode UploadMode) string {
	switch mode {
	case ModeDocument:
		return "📄 Document"
	case ModeVideo:
		return "🎬 Video"
	case ModeAudio:
		return "🎵 Audio"
	case ModePhoto:
		return "🖼 Photo"
	default:
		return "✨ Auto"
	}
}

func (defaultMessages) RenameButton() string {
	return "✏️ Rename"
}

func (defaultMessages) UploadButton() string {
	return "📤 Upload now"
}

func (defaultMessages) CancelButton() string {
	return "❌ Cancel"
}
