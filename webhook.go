package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	tele "gopkg.in/telebot.v4"
)

const (
	secretTokenHeader      = "X-Telegram-Bot-Api-Secret-Token"
	webhookShutdownTimeout = 10 * time.Second
)

// webhookPoller implements tele.Poller interface for webhook-based updates.
type webhookPoller struct {
	srv *http.Server
	cfg Config
	log Logger

	bot     *tele.Bot
	updates chan tele.Update
	stopCh  chan struct{}

	stopOnce     sync.Once
	shutdownOnce sync.Once
}

func newWebhookPoller(cfg Config, log Logger) (*webhookPoller, error) {
	u, err := url.Parse(cfg.WebhookURL)
	if err != nil {
		return nil, errm.Wrap(err, "parse webhook url")
	}

	gin.SetMode(lang.If(cfg.Debug, gin.DebugMode, gin.ReleaseMode))
	engine := gin.New()
	engine.Use(gin.Recovery())

	wp := &webhookPoller{
		cfg:    cfg,
		log:    log,
		stopCh: make(chan struct{}),
	}

	engine.POST(lang.Check(u.Path, "/"), wp.handleWebhook)
	engine.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	wp.srv = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	return wp, nil
}

// Poll implements tele.Poller interface.
func (wp *webhookPoller) Poll(bot *tele.Bot, updates chan tele.Update, stop chan struct{}) {
	wp.bot = bot
	wp.updates = updates

	lang.Go(wp.log, func() {
		var err error
		if wp.cfg.TLSCertFile != "" {
			err = wp.srv.ListenAndServeTLS(wp.cfg.TLSCertFile, wp.cfg.TLSKeyFile)
		} else {
			err = wp.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			wp.log.Error("failed to start server", "error", err, "listen", wp.cfg.ListenAddress)
			wp.stopOnce.Do(func() { close(wp.stopCh) })
		}
	})

	if err := wp.setWebhook(); err != nil {
		wp.log.Error("failed to set webhook", "error", err)
		wp.shutdown()
		return
	}

	wp.log.Info("webhook poller started", "url", wp.cfg.WebhookURL, "listen", wp.cfg.ListenAddress)

	select {
	case <-stop:
	case <-wp.stopCh:
	}

	wp.log.Info("webhook poller stopping")
	wp.shutdown()
}

func (wp *webhookPoller) setWebhook() error {
	params := map[string]any{
		"url": wp.cfg.WebhookURL,
	}
	if wp.cfg.SecretToken != "" {
		params["secret_token"] = wp.cfg.SecretToken
	}

	if _, err := wp.bot.Raw("setWebhook", params); err != nil {
		return errm.Wrap(err, "set webhook")
	}

	wp.log.Debug("webhook set successfully",
		"url", wp.cfg.WebhookURL,
		"secret_token", lang.If(wp.cfg.SecretToken != "", "set", "not set"))

	return nil
}

func (wp *webhookPoller) handleWebhook(c *gin.Context) {
	if err := wp.validateRequest(c.Request); err != nil {
		wp.log.Warn("invalid webhook request", "error", err, "remote_addr", c.ClientIP())
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	var update tele.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	select {
	case wp.updates <- update:
		c.Status(http.StatusOK)
	default:
		wp.log.Warn("update channel full, dropping update", "update_id", update.ID)
		c.AbortWithStatus(http.StatusServiceUnavailable)
	}
}

// validateRequest checks secret token of the Telegram webhook request.
func (wp *webhookPoller) validateRequest(r *http.Request) error {
	if wp.cfg.SecretToken == "" {
		return nil
	}

	signature := r.Header.Get(secretTokenHeader)
	if signature == "" {
		return errm.New("missing signature header")
	}
	if subtle.ConstantTimeCompare([]byte(signature), []byte(wp.cfg.SecretToken)) != 1 {
		return errm.New("invalid signature")
	}

	return nil
}

func (wp *webhookPoller) shutdown() {
	wp.shutdownOnce.Do(func() {
		errList := errm.NewList()

		if wp.bot != nil {
			if _, err := wp.bot.Raw("deleteWebhook", map[string]any{}); err != nil {
				errList.Add(errm.Wrap(err, "delete webhook"))
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), webhookShutdownTimeout)
		defer cancel()

		if err := wp.srv.Shutdown(ctx); err != nil {
			errList.Add(errm.Wrap(err, "shutdown server"))
		}

		if err := errList.Err(); err != nil {
			wp.log.Error("cannot shutdown webhook poller", "error", err)
			return
		}
		wp.log.Debug("webhook poller shutdown complete")
	})
}
