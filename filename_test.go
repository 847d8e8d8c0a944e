package relay

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\file.txt`, "file.txt"},
		{"bad<>:\"|?*name.txt", "bad_______name.txt"},
		{"line\nbreak\t.txt", "linebreak.txt"},
		{"  .hidden. ", "hidden"},
		{"...", ""},
		{"", ""},
		{"dir/", ""},
		{"файл.txt", "файл.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFileName(tt.in))
		})
	}
}

func TestSanitizeFileName_Long(t *testing.T) {
	name := strings.Repeat("я", 300) + ".mp4"

	got := SanitizeFileName(name)

	assert.LessOrEqual(t, len(got), maxFileNameBytes)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, ".mp4"))
}

func TestResolveFileName(t *testing.T) {
	mustURL := func(raw string) *url.URL {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return u
	}

	tests := []struct {
		name   string
		custom string
		header http.Header
		url    string
		want   string
	}{
		{
			name:   "content disposition wins over url",
			header: http.Header{"Content-Disposition": {`attachment; filename="server.zip"`}},
			url:    "https://example.com/files/url.zip",
			want:   "server.zip",
		},
		{
			name: "last path segment",
			url:  "https://example.com/files/movie.mkv?token=1",
			want: "movie.mkv",
		},
		{
			name:   "fallback with content type",
			header: http.Header{"Content-Type": {"application/pdf"}},
			url:    "https://example.com/",
			want:   "downloaded_file.pdf",
		},
		{
			name: "fallback without content type",
			url:  "https://example.com",
			want: "downloaded_file",
		},
		{
			name:   "custom name",
			custom: "notes.txt",
			url:    "https://example.com/files/readme.md",
			want:   "notes.txt",
		},
		{
			name:   "custom name inherits extension",
			custom: "holiday",
			url:    "https://example.com/v/clip.mp4",
			want:   "holiday.mp4",
		},
		{
			name:   "unsafe custom name",
			custom: "../../secret",
			url:    "https://example.com/a.bin",
			want:   "secret.bin",
		},
		{
			name:   "empty custom name is ignored",
			custom: " .. ",
			url:    "https://example.com/a.bin",
			want:   "a.bin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := tt.header
			if header == nil {
				header = http.Header{}
			}
			assert.Equal(t, tt.want, resolveFileName(tt.custom, header, mustURL(tt.url)))
		})
	}
}

func TestExtensionByContentType(t *testing.T) {
	assert.Equal(t, ".pdf", extensionByContentType("application/pdf"))
	assert.Equal(t, ".png", extensionByContentType("image/png"))
	assert.Equal(t, ".mp4", extensionByContentType("video/mp4"))
	assert.Equal(t, "", extensionByContentType(""))
	assert.Equal(t, "", extensionByContentType("not a type;;"))
	assert.Equal(t, "", extensionByContentType("application/x-unknown-thing"))
}
