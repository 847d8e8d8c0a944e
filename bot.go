package relay

import (
	"context"
	"strings"
	"time"

	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	"github.com/panjf2000/ants/v2"
	tele "gopkg.in/telebot.v4"
)

const poolReleaseTimeout = 10 * time.Second

// Bot is a main struct of this package. It connects the messaging platform with the relay pipeline.
type Bot struct {
	tg       *TelegramMessenger
	orch     *Orchestrator
	store    *Store
	pool     *ants.Pool
	settings SettingsStorage
	log      Logger
}

// New creates the bot with optional options.
func New(ctx context.Context, token string, optsFuncs ...func(*Options)) (*Bot, error) {
	var opts Options
	for _, f := range optsFuncs {
		f(&opts)
	}
	opts.Config.Token = lang.Check(token, opts.Config.Token)
	return NewWithOptions(ctx, opts)
}

// NewWithOptions creates the bot with options. Token is required unless a custom Messenger is provided.
// Call [Bot.Start] to start receiving updates and [Bot.Stop] to shutdown.
func NewWithOptions(ctx context.Context, opts Options) (*Bot, error) {
	if opts.Config.Token == "" && opts.Messenger == nil {
		return nil, errm.New("token cannot be empty")
	}
	opts, err := prepareOpts(opts)
	if err != nil {
		return nil, errm.Wrap(err, "prepare opts")
	}
	cfg := opts.Config
	m := newMetrics(opts.Metrics)

	b := &Bot{
		settings: opts.Settings,
		log:      opts.Logger,
	}

	msgr := opts.Messenger
	if msgr == nil {
		b.tg, err = newTelegramMessenger(opts)
		if err != nil {
			return nil, errm.Wrap(err, "new telegram")
		}
		msgr = b.tg
	}

	b.store, err = NewStore(StoreConfig{
		Capacity:     cfg.SessionCapacity,
		TTL:          cfg.SessionTTL,
		DefaultMode:  cfg.DefaultMode,
		AskByDefault: *cfg.AskByDefault,
	}, opts.Settings, opts.Logger)
	if err != nil {
		return nil, errm.Wrap(err, "new store")
	}

	dl, err := NewDownloader(opts.HTTPClient, DownloaderConfig{
		Dir:              cfg.TempDir,
		ProgressStep:     cfg.ProgressStep,
		ProgressInterval: cfg.ProgressInterval,
		UserAgent:        cfg.UserAgent,
	}, opts.Logger)
	if err != nil {
		return nil, errm.Wrap(err, "new downloader")
	}

	disp := NewDispatcher(msgr, opts.Offloader, opts.Msgs.Messages(""), DispatcherConfig{
		UploadLimit: cfg.UploadLimit,
	}, opts.Logger)
	disp.metrics = m

	b.pool, err = ants.NewPool(cfg.MaxTransfers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			m.incPanic()
			opts.Logger.Error("panic in transfer", "panic", p)
		}),
	)
	if err != nil {
		return nil, errm.Wrap(err, "new pool")
	}

	b.orch, err = NewOrchestrator(ctx, OrchestratorConfig{
		MaxFileSize:     cfg.MaxFileSize,
		DownloadTimeout: cfg.DownloadTimeout,
		UploadTimeout:   cfg.UploadTimeout,
		ProbeTimeout:    cfg.ProbeTimeout,
		ThumbnailDir:    cfg.ThumbnailDir,
		QueueWorkers:    cfg.QueueWorkers,
	}, Components{
		Store:      b.store,
		Downloader: dl,
		Dispatcher: disp,
		Messenger:  msgr,
		Msgs:       opts.Msgs,
		Runner:     b.pool,
		Logger:     opts.Logger,
	})
	if err != nil {
		b.pool.Release()
		return nil, errm.Wrap(err, "new orchestrator")
	}
	b.orch.metrics = m

	if b.tg != nil {
		b.registerHandlers()
	}

	return b, nil
}

// Start starts receiving updates in a separate goroutine.
// It does nothing if a custom Messenger is used, pass events with [Bot.Submit] instead.
func (b *Bot) Start() {
	if b.tg == nil {
		return
	}
	b.tg.start()
}

// Stop stops the poller, aborts running transfers and releases resources.
func (b *Bot) Stop(ctx context.Context) error {
	errs := errm.NewList()

	if b.tg != nil {
		b.tg.stop()
	}
	if err := b.orch.Shutdown(ctx); err != nil {
		errs.Add(errm.Wrap(err, "shutdown orchestrator"))
	}
	if err := b.pool.ReleaseTimeout(poolReleaseTimeout); err != nil {
		errs.Add(errm.Wrap(err, "release pool"))
	}
	if s, ok := b.settings.(interface{ Shutdown(context.Context) error }); ok {
		if err := s.Shutdown(ctx); err != nil {
			errs.Add(errm.Wrap(err, "shutdown settings"))
		}
	}
	b.store.Close()

	b.log.Info("bot is stopped")

	return errs.Err()
}

// Submit passes the event to the relay. Events of a single user are handled in order.
func (b *Bot) Submit(ev Event) {
	b.orch.Submit(ev)
}

// Session returns a copy of the user session if it exists.
func (b *Bot) Session(userID int64) (Session, bool) {
	return b.store.Lookup(userID)
}

// AddMiddleware adds a middleware that filters updates before they reach handlers.
// It returns false for the update to be dropped. It does nothing if a custom Messenger is used.
func (b *Bot) AddMiddleware(f func(upd *tele.Update) bool) {
	if b.tg == nil {
		return
	}
	b.tg.addMiddleware(f)
}

// Bot returns the underlying *tele.Bot or nil if a custom Messenger is used.
func (b *Bot) Bot() *tele.Bot {
	if b.tg == nil {
		return nil
	}
	return b.tg.Bot()
}

var handledCommands = []string{
	CommandStart, CommandHelp, CommandSettings, CommandMode, CommandAsk, CommandRename,
	CommandSkip, CommandThumbnail, CommandDelThumb, CommandCancel, CommandClear,
}

func (b *Bot) registerHandlers() {
	for _, cmd := range handledCommands {
		b.tg.handle("/"+cmd, b.handler(func(c tele.Context) Event {
			ev := newEvent(c, EventCommand)
			ev.Command = cmd
			ev.Text = c.Message().Payload
			return ev
		}))
	}

	b.tg.handle(tele.OnText, b.handler(func(c tele.Context) Event {
		text := c.Text()
		if name, args, ok := parseCommand(text); ok {
			ev := newEvent(c, EventCommand)
			ev.Command = name
			ev.Text = args
			return ev
		}
		ev := newEvent(c, EventText)
		ev.Text = text
		return ev
	}))

	for _, unique := range CallbackUniques {
		b.tg.handle(&tele.Btn{Unique: unique}, b.handler(func(c tele.Context) Event {
			cb := c.Callback()
			ev := newEvent(c, EventCallback)
			ev.Unique = unique
			ev.Data = cb.Data
			ev.CallbackID = cb.ID
			ev.MessageID = lang.Deref(cb.Message).ID
			return ev
		}))
	}

	b.tg.handle(tele.OnPhoto, b.handler(func(c tele.Context) Event {
		ev := newEvent(c, EventPhoto)
		ev.FileID = lang.Deref(c.Message().Photo).FileID
		return ev
	}))
}

func (b *Bot) handler(build func(c tele.Context) Event) tele.HandlerFunc {
	return func(c tele.Context) (err error) {
		defer lang.RecoverWithErrAndStack(b.log, &err)

		if c.Sender() == nil || c.Chat() == nil {
			return nil
		}
		b.orch.Submit(build(c))

		return nil
	}
}

func newEvent(c tele.Context, kind EventKind) Event {
	return Event{
		Kind:         kind,
		UserID:       c.Sender().ID,
		ChatID:       c.Chat().ID,
		LanguageCode: c.Sender().LanguageCode,
	}
}

// parseCommand splits "/name@bot args" into name and args.
func parseCommand(text string) (name, args string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, args, _ := strings.Cut(text[1:], " ")
	name, _, _ = strings.Cut(head, "@")
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), strings.TrimSpace(args), true
}
