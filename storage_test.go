package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageConfig_Validate(t *testing.T) {
	assert.NoError(t, MongoConfig{Address: "localhost:27017", DBName: "relay"}.Validate())
	assert.Error(t, MongoConfig{DBName: "relay"}.Validate())
	assert.Error(t, MongoConfig{Address: "localhost:27017", DBName: "relay", Username: "user"}.Validate())

	assert.NoError(t, RedisConfig{Address: "localhost:6379"}.Validate())
	assert.Error(t, RedisConfig{}.Validate())
	assert.Error(t, RedisConfig{Address: "localhost:6379", DB: -1}.Validate())

	assert.NoError(t, OffloadConfig{}.Validate())
	assert.Error(t, OffloadConfig{Enabled: true, Bucket: "files"}.Validate())
	assert.Error(t, OffloadConfig{Endpoint: "::not a url::"}.Validate())
	assert.NoError(t, OffloadConfig{Enabled: true, Bucket: "files", AccessKeyID: "id", SecretAccessKey: "secret"}.Validate())
}

func TestRedisKey(t *testing.T) {
	assert.Equal(t, redisKeyPrefix+"42", redisKey(42))
}

type fakeS3 struct {
	mu      sync.Mutex
	method  string
	path    string
	body    []byte
	headers http.Header
}

func (s *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.method, s.path, s.body, s.headers = r.Method, r.URL.Path, body, r.Header.Clone()
	s.mu.Unlock()
	w.Header().Set("ETag", `"etag"`)
	w.WriteHeader(http.StatusOK)
}

func TestS3Offloader(t *testing.T) {
	fake := &fakeS3{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	off, err := NewS3Offloader(OffloadConfig{
		Enabled:         true,
		Endpoint:        srv.URL,
		Bucket:          "files",
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
		Prefix:          "relay",
		LinkTTL:         time.Hour,
	})
	require.NoError(t, err)

	file := newLocalFile(t, "big report.pdf", []byte("very big pdf"))
	file.ContentType = "application/pdf"

	link, err := off.Offload(context.Background(), file)
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, http.MethodPut, fake.method)
	assert.True(t, strings.HasPrefix(fake.path, "/files/relay/"), fake.path)
	assert.True(t, strings.HasSuffix(fake.path, "/big report.pdf"), fake.path)
	assert.Contains(t, string(fake.body), "very big pdf")
	assert.Equal(t, "application/pdf", fake.headers.Get("Content-Type"))
	assert.Contains(t, fake.headers.Get("Content-Disposition"), "attachment")

	assert.True(t, strings.HasPrefix(link, srv.URL+"/files/relay/"), link)
	assert.Contains(t, link, "X-Amz-Expires=3600")

	// Offloader doesn't own the local file
	assert.FileExists(t, file.Path)
}

func TestNewS3Offloader_Invalid(t *testing.T) {
	_, err := NewS3Offloader(OffloadConfig{Enabled: true})
	assert.Error(t, err)
}

// Integration tests run only with a real server, e.g.
// RELAY_TEST_REDIS_ADDRESS=localhost:6379 go test -run Redis
func TestRedisSettings(t *testing.T) {
	addr := os.Getenv("RELAY_TEST_REDIS_ADDRESS")
	if addr == "" {
		t.Skip("RELAY_TEST_REDIS_ADDRESS is not set")
	}
	ctx := context.Background()

	rs, err := NewRedisSettings(ctx, RedisConfig{Address: addr, TTL: time.Minute}, noopLogger{})
	require.NoError(t, err)

	userID := time.Now().UnixNano()
	_, found, err := rs.Find(ctx, userID)
	require.NoError(t, err)
	assert.False(t, found)

	rs.UpdateAsync(Settings{UserID: userID, Mode: ModeVideo, AskMode: true})
	assert.Eventually(t, func() bool {
		s, ok, err := rs.Find(ctx, userID)
		return err == nil && ok && s.Mode == ModeVideo && s.AskMode
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, rs.Shutdown(ctx))
}

func TestMongoSettings(t *testing.T) {
	addr := os.Getenv("RELAY_TEST_MONGO_ADDRESS")
	if addr == "" {
		t.Skip("RELAY_TEST_MONGO_ADDRESS is not set")
	}
	ctx := context.Background()

	db, err := NewMongo(ctx, MongoConfig{Address: addr, DBName: "relay_test"})
	require.NoError(t, err)
	defer db.Close(ctx)

	ms, err := NewMongoSettings(ctx, db, 2, noopLogger{})
	require.NoError(t, err)

	userID := time.Now().UnixNano()
	ms.UpdateAsync(Settings{UserID: userID, Mode: ModeAudio})
	assert.Eventually(t, func() bool {
		s, ok, err := ms.Find(ctx, userID)
		return err == nil && ok && s.Mode == ModeAudio
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, ms.Shutdown(ctx))
}
