package relay

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maxbolgarin/abstract"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/gorder"
	"github.com/maxbolgarin/lang"
)

// EventKind is a kind of inbound platform event.
type EventKind string

const (
	EventText     EventKind = "text"
	EventCommand  EventKind = "command"
	EventCallback EventKind = "callback"
	EventPhoto    EventKind = "photo"
)

// Commands handled by orchestrator, without leading slash.
const (
	CommandStart     = "start"
	CommandHelp      = "help"
	CommandSettings  = "settings"
	CommandMode      = "mode"
	CommandAsk       = "ask"
	CommandRename    = "rename"
	CommandSkip      = "skip"
	CommandThumbnail = "thumbnail"
	CommandDelThumb  = "delthumb"
	CommandCancel    = "cancel"
	CommandClear     = "clear"
)

var (
	errBusy      = errm.New("transfer is in progress")
	errStaleJob  = errm.New("job is stale")
	errNoPending = errm.New("no pending link")
)

// Event is an inbound event of a single user.
type Event struct {
	Kind         EventKind
	UserID       int64
	ChatID       int64
	LanguageCode string

	// Text is a message text or arguments of a command.
	Text string
	// Command is a command name without slash.
	Command string

	// Unique and Data are set for callbacks.
	Unique     string
	Data       string
	CallbackID string
	// MessageID is the message of the pressed button.
	MessageID int

	// FileID is set for photos.
	FileID string
}

// Runner runs transfer tasks in background. *ants.Pool implements it.
type Runner interface {
	Submit(task func()) error
}

// OrchestratorConfig contains limits of relay cycles.
type OrchestratorConfig struct {
	MaxFileSize     int64
	DownloadTimeout time.Duration
	UploadTimeout   time.Duration
	ProbeTimeout    time.Duration
	ThumbnailDir    string
	// QueueWorkers is a number of workers of the per-user event queue. Zero makes [Orchestrator.Submit] synchronous.
	QueueWorkers int
}

// Components are collaborators of [Orchestrator].
type Components struct {
	Store      *Store
	Downloader *Downloader
	Dispatcher *Dispatcher
	Messenger  Messenger
	Msgs       MessageProvider
	Runner     Runner
	Logger     Logger
}

type job struct {
	id     string
	cancel context.CancelFunc
}

// Orchestrator drives relay cycles of users: it receives events, moves sessions between states
// and runs transfers in background.
type Orchestrator struct {
	store  *Store
	dl     *Downloader
	disp   *Dispatcher
	msgr   Messenger
	msgs   MessageProvider
	runner Runner
	log    Logger

	metrics *metrics
	queue   *gorder.Gorder[string]
	jobs    *abstract.SafeMap[int64, job]
	cfg     OrchestratorConfig

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOrchestrator creates an orchestrator. Transfers are bound to ctx, cancelling it aborts them.
func NewOrchestrator(ctx context.Context, cfg OrchestratorConfig, c Components) (*Orchestrator, error) {
	if c.Store == nil || c.Downloader == nil || c.Dispatcher == nil || c.Messenger == nil || c.Runner == nil {
		return nil, errm.New("store, downloader, dispatcher, messenger and runner are required")
	}
	if cfg.ThumbnailDir == "" {
		return nil, errm.New("thumbnail dir cannot be empty")
	}
	if err := os.MkdirAll(cfg.ThumbnailDir, 0o750); err != nil {
		return nil, errm.Wrap(err, "create thumbnail dir", "dir", cfg.ThumbnailDir)
	}

	cfg.DownloadTimeout = lang.Check(cfg.DownloadTimeout, 30*time.Minute)
	cfg.UploadTimeout = lang.Check(cfg.UploadTimeout, 10*time.Minute)
	cfg.ProbeTimeout = lang.Check(cfg.ProbeTimeout, 10*time.Second)

	o := &Orchestrator{
		store:  c.Store,
		dl:     c.Downloader,
		disp:   c.Dispatcher,
		msgr:   c.Messenger,
		msgs:   lang.If[MessageProvider](c.Msgs != nil, c.Msgs, newDefaultMessageProvider()),
		runner: c.Runner,
		log:    lang.If[Logger](c.Logger != nil, c.Logger, noopLogger{}),
		jobs:   abstract.NewSafeMap[int64, job](),
		cfg:    cfg,
	}
	o.ctx, o.cancel = context.WithCancel(ctx)

	if cfg.QueueWorkers > 0 {
		o.queue = gorder.NewWithOptions[string](o.ctx, gorder.Options{
			Workers: cfg.QueueWorkers,
			Log:     o.log,
		})
	}

	return o, nil
}

// Submit handles the event after all previous events of the same user.
// Events of different users are handled in parallel.
func (o *Orchestrator) Submit(ev Event) {
	if o.queue == nil {
		o.Handle(o.ctx, ev)
		return
	}
	o.queue.Push(strconv.FormatInt(ev.UserID, 10), string(ev.Kind), func(ctx context.Context) error {
		o.Handle(ctx, ev)
		return nil
	})
}

// Shutdown aborts running transfers and waits for queued events.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	if o.queue == nil {
		return nil
	}
	return o.queue.Shutdown(ctx)
}

// Handle processes a single event. An error means the user got the general error message.
// Panics are recovered here.
func (o *Orchestrator) Handle(ctx context.Context, ev Event) error {
	msgs := o.msgs.Messages(ev.LanguageCode)

	err := o.handle(ctx, ev, msgs)
	if err != nil {
		o.log.Error("cannot handle event", "error", err, "user_id", ev.UserID, "kind", ev.Kind, "command", ev.Command)
		o.reply(ctx, lang.Check(ev.ChatID, ev.UserID), msgs.GeneralError())
	}
	o.metrics.setSessions(o.store.Len())

	return err
}

func (o *Orchestrator) handle(ctx context.Context, ev Event, msgs Messages) (err error) {
	defer lang.RecoverWithErrAndStack(o.log, &err)

	o.metrics.incEvent(ev.Kind)

	sess, err := o.store.Set(ev.UserID, func(s *Session) error {
		if ev.ChatID != 0 {
			s.ChatID = ev.ChatID
		}
		return nil
	})
	if err != nil {
		return errm.Wrap(err, "touch session")
	}

	switch ev.Kind {
	case EventCommand:
		return o.onCommand(ctx, ev, sess, msgs)
	case EventCallback:
		return o.onCallback(ctx, ev, sess, msgs)
	case EventPhoto:
		return o.onPhoto(ctx, ev, sess, msgs)
	case EventText:
		return o.onText(ctx, ev, sess, msgs)
	default:
		o.log.Warn("unknown event", "kind", ev.Kind, "user_id", ev.UserID)
		return nil
	}
}

func (o *Orchestrator) onText(ctx context.Context, ev Event, sess Session, msgs Messages) error {
	text := strings.TrimSpace(ev.Text)
	_, urlErr := ValidateURL(text)
	isLink := urlErr == nil

	switch sess.State {
	case StateDownloading, StateUploading:
		o.reply(ctx, sess.ChatID, msgs.Busy())
		return nil

	case StateAwaitingRenameInput:
		if isLink {
			return o.onLink(ctx, sess, text, msgs)
		}
		return o.rename(ctx, sess, text, msgs)

	case StateAwaitingModeChoice, StateAwaitingThumbnailImage:
		if isLink {
			return o.onLink(ctx, sess, text, msgs)
		}
		return o.cancelPrompt(ctx, sess, msgs)
	}

	if !isLink {
		o.reply(ctx, sess.ChatID, msgs.InvalidURL())
		return nil
	}
	return o.onLink(ctx, sess, text, msgs)
}

// onLink starts a new relay cycle, a pending prompt is dropped.
func (o *Orchestrator) onLink(ctx context.Context, sess Session, link string, msgs Messages) error {
	o.dropPrompt(ctx, sess)

	if !sess.AskMode {
		return o.beginDownload(ctx, sess.UserID, link, "", msgs)
	}

	info := o.probe(ctx, sess.UserID, link)
	if info != nil && o.cfg.MaxFileSize > 0 && info.Size > o.cfg.MaxFileSize {
		o.metrics.incRejected(KindFileTooLarge.String())
		_, err := o.store.Set(sess.UserID, func(s *Session) error {
			s.resetCycle()
			return nil
		})
		o.reply(ctx, sess.ChatID, msgs.Failed(KindFileTooLarge, 0))
		return err
	}

	sess, err := o.store.Set(sess.UserID, func(s *Session) error {
		if s.State.IsBusy() {
			return errBusy
		}
		s.resetCycle()
		s.State = StateAwaitingModeChoice
		s.PendingURL = link
		return nil
	})
	if err != nil {
		if errm.Is(err, errBusy) {
			o.reply(ctx, sess.ChatID, msgs.Busy())
			return nil
		}
		return errm.Wrap(err, "set pending link")
	}

	msgID, err := o.msgr.SendText(ctx, sess.ChatID, msgs.ChooseMode(link, info, sess.Mode), modeChoiceKeyboard(msgs, sess.Mode))
	if err != nil {
		return errm.Wrap(err, "send mode prompt")
	}

	_, err = o.store.Set(sess.UserID, func(s *Session) error {
		if s.State != StateAwaitingModeChoice || s.PendingURL != link {
			return errStaleJob
		}
		s.PromptMsgID = msgID
		return nil
	})
	if err != nil && !errm.Is(err, errStaleJob) {
		return errm.Wrap(err, "set prompt message")
	}

	return nil
}

// probe returns information about the remote file or nil if server doesn't answer HEAD requests.
func (o *Orchestrator) probe(ctx context.Context, userID int64, link string) *RemoteInfo {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
	defer cancel()

	info, err := o.dl.Probe(ctx, link)
	if err != nil {
		o.log.Debug("cannot probe link", "error", err, "user_id", userID, "url", link)
		return nil
	}
	return &info
}

func (o *Orchestrator) onCallback(ctx context.Context, ev Event, sess Session, msgs Messages) error {
	fromPrompt := sess.PromptMsgID != 0 && ev.MessageID == sess.PromptMsgID

	switch ev.Unique {
	case BtnMode:
		mode := UploadMode(ev.Data)
		if sess.State != StateAwaitingModeChoice || !fromPrompt || !mode.IsValid() {
			return o.staleButton(ctx, ev, msgs)
		}
		o.respond(ctx, ev, "")

		sess, err := o.store.Set(sess.UserID, func(s *Session) error {
			s.Mode = mode
			return nil
		})
		if err != nil {
			return errm.Wrap(err, "set mode")
		}
		o.store.SaveSettings(sess)

		return o.beginDownload(ctx, sess.UserID, sess.PendingURL, "", msgs)

	case BtnRename:
		if sess.State != StateAwaitingModeChoice || !fromPrompt {
			return o.staleButton(ctx, ev, msgs)
		}
		o.respond(ctx, ev, "")
		return o.askRename(ctx, sess, msgs)

	case BtnUpload:
		if sess.State != StateAwaitingModeChoice || !fromPrompt {
			return o.staleButton(ctx, ev, msgs)
		}
		o.respond(ctx, ev, "")
		return o.beginDownload(ctx, sess.UserID, sess.PendingURL, "", msgs)

	case BtnCancel:
		switch {
		case sess.State.IsBusy() && ev.MessageID == sess.StatusMsgID:
			o.respond(ctx, ev, msgs.Cancelling())
			o.cancelJob(sess.UserID)
			return nil
		case isPrompt(sess.State) && fromPrompt:
			o.respond(ctx, ev, "")
			return o.cancelPrompt(ctx, sess, msgs)
		}
	}

	return o.staleButton(ctx, ev, msgs)
}

func (o *Orchestrator) onPhoto(ctx context.Context, ev Event, sess Session, msgs Messages) error {
	switch {
	case sess.State.IsBusy():
		o.reply(ctx, sess.ChatID, msgs.Busy())
		return nil
	case sess.State == StateAwaitingModeChoice || sess.State == StateAwaitingRenameInput:
		return o.cancelPrompt(ctx, sess, msgs)
	case sess.State != StateAwaitingThumbnailImage:
		o.reply(ctx, sess.ChatID, msgs.UnexpectedPhoto())
		return nil
	}

	path := filepath.Join(o.cfg.ThumbnailDir, strconv.FormatInt(sess.UserID, 10)+"_"+uuid.NewString()+".jpg")
	if err := o.msgr.DownloadFile(ctx, ev.FileID, path); err != nil {
		os.Remove(path)
		o.store.Set(sess.UserID, func(s *Session) error {
			if s.State == StateAwaitingThumbnailImage {
				s.State = StateIdle
				s.PromptMsgID = 0
			}
			return nil
		})
		return errm.Wrap(err, "download thumbnail")
	}

	if _, err := o.store.SetThumbnail(sess.UserID, path); err != nil {
		os.Remove(path)
		return errm.Wrap(err, "set thumbnail")
	}

	o.log.Debug("thumbnail saved", "user_id", sess.UserID)
	o.reply(ctx, sess.ChatID, msgs.ThumbnailSaved())

	return nil
}

func (o *Orchestrator) onCommand(ctx context.Context, ev Event, sess Session, msgs Messages) error {
	args := strings.TrimSpace(ev.Text)

	switch ev.Command {
	case CommandStart:
		o.reply(ctx, sess.ChatID, msgs.Start())

	case CommandHelp:
		o.reply(ctx, sess.ChatID, msgs.Help(o.cfg.MaxFileSize))

	case CommandSettings:
		o.reply(ctx, sess.ChatID, msgs.Settings(sess))

	case CommandMode:
		mode := UploadMode(strings.ToLower(args))
		if !mode.IsValid() {
			o.reply(ctx, sess.ChatID, msgs.ModeUsage())
			return nil
		}
		sess, err := o.store.Set(sess.UserID, func(s *Session) error {
			s.Mode = mode
			return nil
		})
		if err != nil {
			return errm.Wrap(err, "set mode")
		}
		o.store.SaveSettings(sess)
		o.reply(ctx, sess.ChatID, msgs.ModeSet(mode))

	case CommandAsk:
		sess, err := o.store.Set(sess.UserID, func(s *Session) error {
			s.AskMode = !s.AskMode
			return nil
		})
		if err != nil {
			return errm.Wrap(err, "toggle ask")
		}
		o.store.SaveSettings(sess)
		o.reply(ctx, sess.ChatID, msgs.AskToggled(sess.AskMode))

	case CommandRename:
		switch {
		case sess.State != StateAwaitingModeChoice && sess.State != StateAwaitingRenameInput:
			o.reply(ctx, sess.ChatID, msgs.NoPending())
		case args == "":
			return o.askRename(ctx, sess, msgs)
		default:
			return o.rename(ctx, sess, args, msgs)
		}

	case CommandSkip:
		if sess.State != StateAwaitingModeChoice && sess.State != StateAwaitingRenameInput {
			o.reply(ctx, sess.ChatID, msgs.NoPending())
			return nil
		}
		return o.beginDownload(ctx, sess.UserID, sess.PendingURL, "", msgs)

	case CommandThumbnail:
		if sess.State.IsBusy() {
			o.reply(ctx, sess.ChatID, msgs.Busy())
			return nil
		}
		o.dropPrompt(ctx, sess)
		_, err := o.store.Set(sess.UserID, func(s *Session) error {
			if s.State.IsBusy() {
				return errBusy
			}
			s.resetCycle()
			s.State = StateAwaitingThumbnailImage
			return nil
		})
		if err != nil {
			return errm.Wrap(err, "await thumbnail")
		}
		o.reply(ctx, sess.ChatID, msgs.ThumbnailPrompt())

	case CommandDelThumb:
		if sess.State.IsBusy() {
			o.reply(ctx, sess.ChatID, msgs.Busy())
			return nil
		}
		o.reply(ctx, sess.ChatID, lang.If(o.store.DeleteThumbnail(sess.UserID), msgs.ThumbnailDeleted(), msgs.NoThumbnail()))

	case CommandCancel:
		switch {
		case sess.State.IsBusy():
			o.cancelJob(sess.UserID)
			o.reply(ctx, sess.ChatID, msgs.Cancelling())
		case isPrompt(sess.State):
			return o.cancelPrompt(ctx, sess, msgs)
		default:
			o.reply(ctx, sess.ChatID, msgs.NothingToCancel())
		}

	case CommandClear:
		o.cancelJob(sess.UserID)
		o.dropPrompt(ctx, sess)
		o.store.Clear(sess.UserID)
		o.reply(ctx, sess.ChatID, msgs.Cleared())

	default:
		o.reply(ctx, sess.ChatID, msgs.Help(o.cfg.MaxFileSize))
	}

	return nil
}

func (o *Orchestrator) askRename(ctx context.Context, sess Session, msgs Messages) error {
	sess, err := o.store.Set(sess.UserID, func(s *Session) error {
		if s.State != StateAwaitingModeChoice && s.State != StateAwaitingRenameInput {
			return errNoPending
		}
		s.State = StateAwaitingRenameInput
		return nil
	})
	if err != nil {
		if errm.Is(err, errNoPending) {
			o.reply(ctx, sess.ChatID, msgs.NoPending())
			return nil
		}
		return errm.Wrap(err, "await rename")
	}

	if sess.PromptMsgID != 0 {
		if err := o.msgr.EditText(ctx, sess.ChatID, sess.PromptMsgID, msgs.RenamePrompt(), cancelKeyboard(msgs)); err == nil {
			return nil
		}
	}
	msgID, err := o.msgr.SendText(ctx, sess.ChatID, msgs.RenamePrompt(), cancelKeyboard(msgs))
	if err != nil {
		return errm.Wrap(err, "send rename prompt")
	}
	o.store.Set(sess.UserID, func(s *Session) error {
		if s.State == StateAwaitingRenameInput {
			s.PromptMsgID = msgID
		}
		return nil
	})

	return nil
}

func (o *Orchestrator) rename(ctx context.Context, sess Session, input string, msgs Messages) error {
	name := SanitizeFileName(input)
	if name == "" {
		o.reply(ctx, sess.ChatID, msgs.InvalidName())
		return nil
	}
	return o.beginDownload(ctx, sess.UserID, sess.PendingURL, name, msgs)
}

// beginDownload moves session to Downloading and submits the transfer.
// The prompt message, if any, becomes the status message.
func (o *Orchestrator) beginDownload(ctx context.Context, userID int64, link, customName string, msgs Messages) error {
	jobID := uuid.NewString()
	var promptID int

	sess, err := o.store.Set(userID, func(s *Session) error {
		if s.State.IsBusy() {
			return errBusy
		}
		promptID = s.PromptMsgID
		s.resetCycle()
		s.State = StateDownloading
		s.PendingURL = link
		s.CustomName = customName
		s.JobID = jobID
		return nil
	})
	if err != nil {
		if errm.Is(err, errBusy) {
			o.reply(ctx, sess.ChatID, msgs.Busy())
			return nil
		}
		return errm.Wrap(err, "begin download")
	}

	statusID := promptID
	if statusID == 0 || o.msgr.EditText(ctx, sess.ChatID, statusID, msgs.Downloading(link), cancelKeyboard(msgs)) != nil {
		statusID, err = o.msgr.SendText(ctx, sess.ChatID, msgs.Downloading(link), cancelKeyboard(msgs))
		if err != nil {
			o.log.Warn("cannot send status message", "error", err, "user_id", userID)
		}
	}

	sess, err = o.store.Set(userID, func(s *Session) error {
		if s.JobID != jobID {
			return errStaleJob
		}
		s.StatusMsgID = statusID
		return nil
	})
	if err != nil {
		return nil
	}

	jobCtx, cancel := context.WithCancel(o.ctx)
	o.jobs.Set(userID, job{id: jobID, cancel: cancel})
	o.metrics.incActiveTransfers()

	err = o.runner.Submit(func() {
		o.runRelay(jobCtx, sess, msgs)
	})
	if err != nil {
		o.log.Warn("cannot submit transfer", "error", err, "user_id", userID)
		o.metrics.incRejected("overload")
		o.releaseJob(sess)
		o.store.Set(userID, func(s *Session) error {
			if s.JobID != jobID {
				return errStaleJob
			}
			s.resetCycle()
			return nil
		})
		o.status(ctx, sess, msgs.ServerBusy())
	}

	return nil
}

// runRelay runs the transfer task. After a panic the session is back in Idle and the user is notified.
func (o *Orchestrator) runRelay(ctx context.Context, sess Session, msgs Messages) {
	var panicErr error
	defer func() {
		if panicErr == nil {
			return
		}
		o.metrics.incPanic()
		o.finishJob(sess)
		o.status(context.Background(), sess, msgs.Failed(KindInternal, 0))
	}()
	defer lang.RecoverWithErrAndStack(o.log, &panicErr)

	timer := abstract.StartTimer()
	o.log.Info("relay started", "user_id", sess.UserID, "url", sess.PendingURL, "job_id", sess.JobID)

	name, size, err := o.relay(ctx, sess, msgs)

	o.finishJob(sess)

	if err == nil {
		if sess.StatusMsgID != 0 {
			if err := o.msgr.Delete(context.Background(), sess.ChatID, sess.StatusMsgID); err != nil {
				o.log.Debug("cannot delete status message", "error", err, "user_id", sess.UserID)
			}
		}
		o.log.Info("relay finished", "user_id", sess.UserID, "url", sess.PendingURL, "name", name, "size", size,
			"elapsed", timer.ElapsedTime())
		return
	}

	kind := KindOf(err)
	logFunc := lang.If(kind == KindInternal || kind == KindUpload, o.log.Error, o.log.Warn)
	logFunc("relay failed", "error", err, "kind", kind, "user_id", sess.UserID, "url", sess.PendingURL, "name", name,
		"elapsed", timer.ElapsedTime())

	o.status(context.Background(), sess, msgs.Failed(kind, StatusOf(err)))
}

// relay downloads and delivers the file. Local copy is removed on every path.
func (o *Orchestrator) relay(ctx context.Context, sess Session, msgs Messages) (name string, size int64, err error) {
	timer := abstract.StartTimer()
	dctx, dcancel := context.WithTimeout(ctx, o.cfg.DownloadTimeout)
	file, err := o.dl.Download(dctx, DownloadRequest{
		URL:        sess.PendingURL,
		Owner:      sess.UserID,
		CustomName: sess.CustomName,
		MaxBytes:   o.cfg.MaxFileSize,
		Progress:   o.progressSink(ctx, sess, msgs),
	})
	dcancel()
	o.metrics.observeDownload(KindOf(err), file.Size, timer.ElapsedTime())
	if err != nil {
		return "", 0, err
	}
	defer file.Remove()

	cur, err := o.store.Set(sess.UserID, func(s *Session) error {
		if s.JobID != sess.JobID {
			return errStaleJob
		}
		s.State = StateUploading
		s.FilePath = file.Path
		return nil
	})
	if err != nil {
		return file.Name, file.Size, newError(KindCancelled, err, "session is changed")
	}
	if err := ctx.Err(); err != nil {
		return file.Name, file.Size, newError(KindCancelled, err, "cancelled after download")
	}

	o.status(ctx, cur, msgs.Uploading(file.Name, file.Size))

	uctx, ucancel := context.WithTimeout(ctx, o.cfg.UploadTimeout)
	defer ucancel()

	if _, err := o.disp.Deliver(uctx, file, cur, msgs.Caption(sess.PendingURL)); err != nil {
		return file.Name, file.Size, err
	}

	return file.Name, file.Size, nil
}

func (o *Orchestrator) progressSink(ctx context.Context, sess Session, msgs Messages) ProgressFunc {
	if sess.StatusMsgID == 0 {
		return nil
	}
	return func(p Progress) {
		if err := o.msgr.EditText(ctx, sess.ChatID, sess.StatusMsgID, msgs.Progress(p), cancelKeyboard(msgs)); err != nil {
			o.log.Debug("cannot update progress", "error", err, "user_id", sess.UserID)
		}
	}
}

// cancelPrompt returns session from a prompt state to Idle.
func (o *Orchestrator) cancelPrompt(ctx context.Context, sess Session, msgs Messages) error {
	_, err := o.store.Set(sess.UserID, func(s *Session) error {
		if s.State.IsBusy() {
			return errBusy
		}
		s.resetCycle()
		return nil
	})
	if err != nil {
		if errm.Is(err, errBusy) {
			return nil
		}
		return errm.Wrap(err, "cancel prompt")
	}

	if sess.PromptMsgID != 0 {
		if err := o.msgr.EditText(ctx, sess.ChatID, sess.PromptMsgID, msgs.PromptCancelled(), nil); err == nil {
			return nil
		}
	}
	o.reply(ctx, sess.ChatID, msgs.PromptCancelled())

	return nil
}

// dropPrompt removes keyboard message of a pending prompt.
func (o *Orchestrator) dropPrompt(ctx context.Context, sess Session) {
	if !isPrompt(sess.State) || sess.PromptMsgID == 0 {
		return
	}
	if err := o.msgr.Delete(ctx, sess.ChatID, sess.PromptMsgID); err != nil {
		o.log.Debug("cannot delete prompt", "error", err, "user_id", sess.UserID)
	}
}

func (o *Orchestrator) cancelJob(userID int64) bool {
	j, ok := o.jobs.Lookup(userID)
	if !ok {
		return false
	}
	j.cancel()
	o.log.Debug("transfer is cancelled", "user_id", userID, "job_id", j.id)
	return true
}

// releaseJob is called before session leaves busy state, so a new job of the user cannot be removed here.
// It is safe to call it more than once.
func (o *Orchestrator) releaseJob(sess Session) {
	if j, ok := o.jobs.Lookup(sess.UserID); ok && j.id == sess.JobID {
		j.cancel()
		o.jobs.Delete(sess.UserID)
		o.metrics.decActiveTransfers()
	}
}

// finishJob releases the job and resets the session if it still belongs to the job.
func (o *Orchestrator) finishJob(sess Session) {
	o.releaseJob(sess)
	_, err := o.store.Set(sess.UserID, func(s *Session) error {
		if s.JobID != sess.JobID {
			return errStaleJob
		}
		s.resetCycle()
		return nil
	})
	if err != nil {
		o.log.Debug("session is changed during transfer", "user_id", sess.UserID, "job_id", sess.JobID)
	}
}

// status edits the status message of the transfer or sends a new one.
func (o *Orchestrator) status(ctx context.Context, sess Session, text string) {
	if sess.StatusMsgID != 0 {
		err := o.msgr.EditText(ctx, sess.ChatID, sess.StatusMsgID, text, nil)
		if err == nil {
			return
		}
		if !IsNotFoundEditMsgErr(err) {
			o.log.Debug("cannot edit status message", "error", err, "user_id", sess.UserID)
		}
	}
	o.reply(ctx, sess.ChatID, text)
}

func (o *Orchestrator) reply(ctx context.Context, chatID int64, text string) {
	if _, err := o.msgr.SendText(ctx, chatID, text, nil); err != nil {
		if IsBlockedError(err) {
			o.log.Warn("bot is blocked", "chat_id", chatID)
			return
		}
		o.log.Error("cannot send message", "error", err, "chat_id", chatID)
	}
}

func (o *Orchestrator) respond(ctx context.Context, ev Event, text string) {
	if err := o.msgr.Respond(ctx, ev.CallbackID, text); err != nil {
		o.log.Debug("cannot respond to callback", "error", err, "user_id", ev.UserID)
	}
}

func (o *Orchestrator) staleButton(ctx context.Context, ev Event, msgs Messages) error {
	o.respond(ctx, ev, msgs.StaleButton())
	return nil
}

func isPrompt(s State) bool {
	return s == StateAwaitingModeChoice || s == StateAwaitingRenameInput || s == StateAwaitingThumbnailImage
}
