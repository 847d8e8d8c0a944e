package relay

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDownloader(t *testing.T) (*Downloader, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "downloads")
	d, err := NewDownloader(nil, DownloaderConfig{Dir: dir}, nil)
	require.NoError(t, err)
	return d, dir
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "download dir must be empty")
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"https://example.com/report.pdf", true},
		{"http://example.com", true},
		{"  HTTPS://Example.com/a  ", true},
		{"ftp://example.com/file", false},
		{"example.com/file", false},
		{"hello world", false},
		{"https://", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := ValidateURL(tt.input)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidURL)
			assert.Equal(t, KindInvalidURL, KindOf(err))
		})
	}
}

func TestDownload_InvalidURLDoesNoRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	d, dir := newTestDownloader(t)

	for _, input := range []string{"ftp://" + srv.Listener.Addr().String(), srv.Listener.Addr().String() + "/file", "not a link"} {
		_, err := d.Download(context.Background(), DownloadRequest{URL: input, Owner: 1})
		assert.ErrorIs(t, err, ErrInvalidURL, input)
	}

	assert.Zero(t, hits.Load())
	assertDirEmpty(t, dir)
}

func TestDownload_RoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 10000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	d, dir := newTestDownloader(t)

	file, err := d.Download(context.Background(), DownloadRequest{URL: srv.URL + "/files/report.pdf", Owner: 42, MaxBytes: 1 << 20})
	require.NoError(t, err)

	assert.Equal(t, "report.pdf", file.Name)
	assert.Equal(t, int64(len(payload)), file.Size)

	data, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	rel, err := filepath.Rel(dir, file.Path)
	require.NoError(t, err)
	assert.Regexp(t, `^42_[0-9a-f-]{36}/report\.pdf$`, filepath.ToSlash(rel))

	require.NoError(t, file.Remove())
	require.NoError(t, file.Remove())
	assertDirEmpty(t, dir)
}

func TestDownload_DeclaredSizeExceedsLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write(make([]byte, 1000))
	}))
	defer srv.Close()

	d, dir := newTestDownloader(t)

	file, err := d.Download(context.Background(), DownloadRequest{URL: srv.URL + "/big.bin", Owner: 1, MaxBytes: 100})
	assert.ErrorIs(t, err, ErrFileTooLarge)
	assert.Empty(t, file.Path)
	assertDirEmpty(t, dir)
}

func TestDownload_UndeclaredSizeExceedsLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for range 10 {
			w.Write(make([]byte, 64))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	d, dir := newTestDownloader(t)

	_, err := d.Download(context.Background(), DownloadRequest{URL: srv.URL + "/stream", Owner: 1, MaxBytes: 300})
	assert.ErrorIs(t, err, ErrFileTooLarge)
	assertDirEmpty(t, dir)
}

func TestDownload_ExactLimitIsAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		w.Write(make([]byte, 300))
	}))
	defer srv.Close()

	d, _ := newTestDownloader(t)

	file, err := d.Download(context.Background(), DownloadRequest{URL: srv.URL + "/stream", Owner: 1, MaxBytes: 300})
	require.NoError(t, err)
	assert.Equal(t, int64(300), file.Size)
	require.NoError(t, file.Remove())
}

func TestDownload_RemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d, dir := newTestDownloader(t)

	_, err := d.Download(context.Background(), DownloadRequest{URL: srv.URL + "/missing.pdf", Owner: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemote)
	assert.ErrorIs(t, err, &Error{Kind: KindRemote, Status: http.StatusNotFound})
	assert.Equal(t, http.StatusNotFound, StatusOf(err))
	assertDirEmpty(t, dir)
}

func TestDownload_ShortBodyIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write(make([]byte, 10))
	}))
	defer srv.Close()

	d, dir := newTestDownloader(t)

	_, err := d.Download(context.Background(), DownloadRequest{URL: srv.URL + "/cut.bin", Owner: 1})
	assert.ErrorIs(t, err, ErrTransport)
	assertDirEmpty(t, dir)
}

func TestDownload_TimeoutIsTransportError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Write(make([]byte, 10))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d, dir := newTestDownloader(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := d.Download(ctx, DownloadRequest{URL: srv.URL + "/slow.bin", Owner: 1})
	assert.ErrorIs(t, err, ErrTransport)
	assertDirEmpty(t, dir)
}

func TestDownload_CancelledByCaller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	d, dir := newTestDownloader(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Download(ctx, DownloadRequest{URL: srv.URL + "/file.bin", Owner: 1})
	assert.ErrorIs(t, err, ErrCancelled)
	assertDirEmpty(t, dir)
}

func TestDownload_FileNameResolution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/header":
			w.Header().Set("Content-Disposition", `attachment; filename="server name.zip"`)
		case "/":
			w.Header().Set("Content-Type", "application/pdf")
		}
		w.Write([]byte("content"))
	}))
	defer srv.Close()

	d, _ := newTestDownloader(t)

	tests := []struct {
		name   string
		path   string
		custom string
		want   string
	}{
		{"server header wins over url", "/header", "", "server name.zip"},
		{"url segment", "/dir/archive.tar.gz", "", "archive.tar.gz"},
		{"fallback with content type", "/", "", DefaultFileName + ".pdf"},
		{"custom always wins", "/header", "notes.txt", "notes.txt"},
		{"custom without extension inherits it", "/dir/video.mp4", "holiday", "holiday.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file, err := d.Download(context.Background(), DownloadRequest{URL: srv.URL + tt.path, Owner: 7, CustomName: tt.custom})
			require.NoError(t, err)
			defer file.Remove()

			assert.Equal(t, tt.want, file.Name)
			assert.Equal(t, tt.want, filepath.Base(file.Path))
		})
	}
}

func TestDownload_ConcurrentSameNameNoCollision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Query().Get("who")))
	}))
	defer srv.Close()

	d, _ := newTestDownloader(t)

	results := make(chan LocalFile, 2)
	errs := make(chan error, 2)
	for _, who := range []string{"a", "b"} {
		go func() {
			f, err := d.Download(context.Background(), DownloadRequest{URL: srv.URL + "/same.txt?who=" + who, Owner: 1})
			errs <- err
			results <- f
		}()
	}

	paths := map[string]string{}
	for range 2 {
		require.NoError(t, <-errs)
		f := <-results
		data, err := os.ReadFile(f.Path)
		require.NoError(t, err)
		paths[f.Path] = string(data)
		defer f.Remove()
	}
	assert.Len(t, paths, 2)
}

func TestDownload_Progress(t *testing.T) {
	payload := make([]byte, 1<<20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	d, err := NewDownloader(nil, DownloaderConfig{Dir: dir, ProgressStep: 10}, nil)
	require.NoError(t, err)

	var updates []Progress
	file, err := d.Download(context.Background(), DownloadRequest{
		URL:      srv.URL + "/data.bin",
		Owner:    1,
		Progress: func(p Progress) { updates = append(updates, p) },
	})
	require.NoError(t, err)
	defer file.Remove()

	require.NotEmpty(t, updates)
	assert.LessOrEqual(t, len(updates), 10)
	for i := 1; i < len(updates); i++ {
		assert.Greater(t, updates[i].Downloaded, updates[i-1].Downloaded)
		assert.Greater(t, updates[i].Percent(), updates[i-1].Percent())
	}
	for _, p := range updates {
		assert.Equal(t, "data.bin", p.Name)
		assert.Equal(t, int64(len(payload)), p.Total)
		assert.LessOrEqual(t, p.Percent(), 100.0)
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", "2048")
	}))
	defer srv.Close()

	d, _ := newTestDownloader(t)

	info, err := d.Probe(context.Background(), srv.URL+"/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, "clip.mp4", info.Name)
	assert.Equal(t, int64(2048), info.Size)
	assert.Equal(t, "video/mp4", info.ContentType)

	_, err = d.Probe(context.Background(), "mailto:someone")
	assert.True(t, errors.Is(err, ErrInvalidURL))
}
