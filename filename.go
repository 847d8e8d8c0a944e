package relay

import (
	"mime"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

const (
	// DefaultFileName is used when neither server nor URL provide a name.
	DefaultFileName = "downloaded_file"

	maxFileNameBytes = 200
)

// resolveFileName returns the name of a downloaded file.
// The custom name always wins, then filename from Content-Disposition, then the last URL path segment.
// A custom name without extension inherits the extension of the derived name.
func resolveFileName(custom string, header http.Header, u *url.URL) string {
	derived := serverFileName(header)
	if derived == "" {
		derived = urlFileName(u)
	}
	if derived == "" {
		derived = DefaultFileName + extensionByContentType(header.Get("Content-Type"))
	}

	custom = SanitizeFileName(custom)
	if custom == "" {
		return derived
	}
	if filepath.Ext(custom) == "" {
		custom += filepath.Ext(derived)
	}
	return custom
}

func serverFileName(header http.Header) string {
	cd := header.Get("Content-Disposition")
	if cd == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return ""
	}
	return SanitizeFileName(params["filename"])
}

func urlFileName(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.Path == "" || strings.HasSuffix(u.Path, "/") {
		return ""
	}
	return SanitizeFileName(path.Base(u.Path))
}

func extensionByContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	m := mimetype.Lookup(mediaType)
	if m == nil {
		return ""
	}
	return m.Extension()
}

// SanitizeFileName makes a user or server provided name safe to use as a single path element.
// It returns empty string if nothing usable is left.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	name = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsControl(r):
			return -1
		case strings.ContainsRune(`<>:"|?*`, r):
			return '_'
		}
		return r
	}, name)

	name = strings.Trim(name, " .")
	if name == "" {
		return ""
	}

	if len(name) > maxFileNameBytes {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		base := name[:maxFileNameBytes-len(ext)]
		for !utf8.ValidString(base) {
			base = base[:len(base)-1]
		}
		name = base + ext
	}

	return name
}
