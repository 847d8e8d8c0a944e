package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		TempDir:       filepath.Join(dir, "downloads"),
		ThumbnailDir:  filepath.Join(dir, "thumbnails"),
		EnableLogging: boolPtr(false),
		AskByDefault:  boolPtr(false),
		QueueWorkers:  2,
		MaxTransfers:  2,
	}
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(context.Background(), "", WithConfig(testConfig(t)))
	assert.Error(t, err)
}

func TestNew_Offline(t *testing.T) {
	b, err := New(context.Background(), "test-token", WithConfig(testConfig(t)), WithTestMode())
	require.NoError(t, err)
	require.NotNil(t, b.Bot())

	var dropped bool
	b.AddMiddleware(func(upd *tele.Update) bool {
		dropped = true
		return false
	})
	assert.False(t, b.tg.middleware(&tele.Update{}))
	assert.True(t, dropped)

	require.NoError(t, b.Stop(context.Background()))
}

func TestBot_RelayWithMessenger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello from server"))
	}))
	defer srv.Close()

	msgr := newFakeMessenger()
	reg := prometheus.NewRegistry()

	b, err := NewWithOptions(context.Background(), Options{
		Config:    testConfig(t),
		Messenger: msgr,
		Metrics:   MetricsConfig{Registry: reg},
	})
	require.NoError(t, err)
	assert.Nil(t, b.Bot())
	b.Start()

	b.Submit(Event{Kind: EventText, UserID: 10, ChatID: 20, Text: srv.URL + "/greeting.txt"})

	require.Eventually(t, func() bool {
		return len(msgr.sentFiles()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	file := msgr.sentFiles()[0]
	assert.Equal(t, int64(20), file.ChatID)
	assert.Equal(t, "greeting.txt", file.Out.FileName)
	assert.Equal(t, "hello from server", string(file.Data))

	require.Eventually(t, func() bool {
		sess, ok := b.Session(10)
		return ok && sess.State == StateIdle
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Stop(context.Background()))

	assert.Equal(t, float64(1), testutil.ToFloat64(b.orch.metrics.eventsTotal.WithLabelValues(string(EventText))))
	assert.Equal(t, float64(1), testutil.ToFloat64(b.orch.metrics.uploadsTotal.WithLabelValues(ModeDocument.String(), metricsResultOK)))
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		name string
		args string
		ok   bool
	}{
		{"/start", "start", "", true},
		{"/Mode video", "mode", "video", true},
		{"/rename@relay_bot  my file.txt ", "rename", "my file.txt", true},
		{"/unknown", "unknown", "", true},
		{"/", "", "", false},
		{"/@bot", "", "", false},
		{"https://example.com", "", "", false},
		{"hello /start", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			name, args, ok := parseCommand(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.args, args)
		})
	}
}
