package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

func newTestWebhook(t *testing.T, secret string, buffer int) *webhookPoller {
	t.Helper()
	wp, err := newWebhookPoller(Config{
		WebhookURL:    "https://relay.example.com/telegram/hook",
		ListenAddress: "127.0.0.1:0",
		SecretToken:   secret,
	}, noopLogger{})
	require.NoError(t, err)
	wp.updates = make(chan tele.Update, buffer)
	return wp
}

func postUpdate(wp *webhookPoller, body, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/telegram/hook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(secretTokenHeader, secret)
	}
	rec := httptest.NewRecorder()
	wp.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_ValidateRequest(t *testing.T) {
	wp := newTestWebhook(t, "s3cret", 1)

	req := httptest.NewRequest(http.MethodPost, "/telegram/hook", nil)
	assert.Error(t, wp.validateRequest(req))

	req.Header.Set(secretTokenHeader, "wrong")
	assert.Error(t, wp.validateRequest(req))

	req.Header.Set(secretTokenHeader, "s3cret")
	assert.NoError(t, wp.validateRequest(req))

	open := newTestWebhook(t, "", 1)
	assert.NoError(t, open.validateRequest(httptest.NewRequest(http.MethodPost, "/telegram/hook", nil)))
}

func TestWebhook_HandleUpdate(t *testing.T) {
	wp := newTestWebhook(t, "s3cret", 1)
	body := `{"update_id": 42, "message": {"message_id": 7, "text": "https://example.com/a.zip"}}`

	rec := postUpdate(wp, body, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, wp.updates)

	rec = postUpdate(wp, body, "s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, wp.updates, 1)

	upd := <-wp.updates
	assert.Equal(t, 42, upd.ID)
	require.NotNil(t, upd.Message)
	assert.Equal(t, "https://example.com/a.zip", upd.Message.Text)
}

func TestWebhook_BadJSON(t *testing.T) {
	wp := newTestWebhook(t, "", 1)

	rec := postUpdate(wp, "{not json", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, wp.updates)
}

func TestWebhook_FullChannel(t *testing.T) {
	wp := newTestWebhook(t, "", 1)
	body := `{"update_id": 1}`

	assert.Equal(t, http.StatusOK, postUpdate(wp, body, "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, postUpdate(wp, body, "").Code)
}

func TestWebhook_Healthz(t *testing.T) {
	wp := newTestWebhook(t, "s3cret", 1)

	rec := httptest.NewRecorder()
	wp.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
