package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maxbolgarin/abstract"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
)

const (
	downloadChunkSize = 64 << 10
	defaultUserAgent  = "relaybot/1.0"
)

// LocalFile is a downloaded file. It lives in its own job directory, [LocalFile.Remove] deletes both.
type LocalFile struct {
	Path        string
	Name        string
	Size        int64
	ContentType string

	dir string
}

// Remove deletes the file and its job directory. It is safe to call it many times.
func (f LocalFile) Remove() error {
	target := lang.Check(f.dir, f.Path)
	if target == "" {
		return nil
	}
	if err := os.RemoveAll(target); err != nil {
		return errm.Wrap(err, "remove file", "path", target)
	}
	return nil
}

// RemoteInfo is a description of the remote resource got without downloading it.
type RemoteInfo struct {
	Name        string
	Size        int64 // -1 if unknown
	ContentType string
}

// DownloadRequest contains parameters of a single download.
type DownloadRequest struct {
	URL string
	// Owner is used to namespace the job directory.
	Owner int64
	// CustomName overrides server and URL derived names.
	CustomName string
	// MaxBytes is the size limit, zero means no limit.
	MaxBytes int64
	// Progress is an optional sink of progress updates.
	Progress ProgressFunc
}

// DownloaderConfig contains parameters of [Downloader].
type DownloaderConfig struct {
	// Dir is a shared directory for downloads, it is created if absent.
	Dir string
	// ProgressStep is a step of progress reports in percents.
	ProgressStep float64
	// ProgressInterval is the minimal interval between progress reports.
	ProgressInterval time.Duration
	// UserAgent is sent with every request.
	UserAgent string
}

// Downloader streams remote resources to local disk with size limit.
type Downloader struct {
	client *http.Client
	cfg    DownloaderConfig
	log    Logger
}

// NewDownloader creates a downloader and its directory. Client follows redirects by default rules of net/http.
func NewDownloader(client *http.Client, cfg DownloaderConfig, log Logger) (*Downloader, error) {
	if cfg.Dir == "" {
		return nil, errm.New("download dir cannot be empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, errm.Wrap(err, "create download dir", "dir", cfg.Dir)
	}
	cfg.UserAgent = lang.Check(cfg.UserAgent, defaultUserAgent)

	return &Downloader{
		client: lang.If(client != nil, client, &http.Client{}),
		cfg:    cfg,
		log:    lang.If[Logger](log != nil, log, noopLogger{}),
	}, nil
}

// ValidateURL checks that the input is an absolute http(s) link with host.
func ValidateURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return nil, newError(KindInvalidURL, nil, "url must start with http:// or https://")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, newError(KindInvalidURL, err, "parse url")
	}
	if u.Host == "" {
		return nil, newError(KindInvalidURL, nil, "url has no host")
	}
	return u, nil
}

// Probe requests headers of the remote resource. Servers often don't support HEAD, callers should treat errors as
// absence of information, except [KindInvalidURL].
func (d *Downloader) Probe(ctx context.Context, rawURL string) (RemoteInfo, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return RemoteInfo{}, err
	}

	resp, err := d.do(ctx, http.MethodHead, u)
	if err != nil {
		return RemoteInfo{}, err
	}
	resp.Body.Close()

	return RemoteInfo{
		Name:        resolveFileName("", resp.Header, u),
		Size:        lang.If(resp.ContentLength >= 0, resp.ContentLength, -1),
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// Download streams the resource to a new file in the download directory.
// On any error nothing is left on disk.
func (d *Downloader) Download(ctx context.Context, req DownloadRequest) (file LocalFile, err error) {
	u, err := ValidateURL(req.URL)
	if err != nil {
		return LocalFile{}, err
	}
	timer := abstract.StartTimer()

	resp, err := d.do(ctx, http.MethodGet, u)
	if err != nil {
		return LocalFile{}, err
	}
	defer resp.Body.Close()

	if req.MaxBytes > 0 && resp.ContentLength > req.MaxBytes {
		return LocalFile{}, newError(KindFileTooLarge, nil, "declared size exceeds limit",
			"size", resp.ContentLength, "limit", req.MaxBytes)
	}

	name := resolveFileName(req.CustomName, resp.Header, u)
	dir := filepath.Join(d.cfg.Dir, strconv.FormatInt(req.Owner, 10)+"_"+uuid.NewString())
	file = LocalFile{
		Path:        filepath.Join(dir, name),
		Name:        name,
		ContentType: resp.Header.Get("Content-Type"),
		dir:         dir,
	}
	defer func() {
		if err != nil {
			if rmErr := file.Remove(); rmErr != nil {
				d.log.Error("cannot remove partial file", "error", rmErr, "path", file.Path)
			}
			file = LocalFile{}
		}
	}()

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return file, newError(KindInternal, err, "create job dir")
	}

	f, err := os.OpenFile(file.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return file, newError(KindInternal, err, "create file")
	}
	defer f.Close()

	var body io.Reader = resp.Body
	if req.MaxBytes > 0 {
		body = io.LimitReader(body, req.MaxBytes+1)
	}
	body = newProgressReader(body, req.Progress, name, resp.ContentLength, d.cfg.ProgressStep, d.cfg.ProgressInterval)

	written, err := copyChunks(ctx, f, body)
	if err != nil {
		return file, err
	}
	if req.MaxBytes > 0 && written > req.MaxBytes {
		return file, newError(KindFileTooLarge, nil, "body exceeds limit", "limit", req.MaxBytes)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		return file, newError(KindTransport, io.ErrUnexpectedEOF, "body is shorter than declared",
			"declared", resp.ContentLength, "got", written)
	}
	if err := f.Close(); err != nil {
		return file, newError(KindInternal, err, "close file")
	}
	file.Size = written

	d.log.Debug("file downloaded", "owner", req.Owner, "name", name, "size", written, "elapsed", timer.ElapsedTime())

	return file, nil
}

func (d *Downloader) do(ctx context.Context, method string, u *url.URL) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, newError(KindInvalidURL, err, "build request")
	}
	httpReq.Header.Set("User-Agent", d.cfg.UserAgent)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransfer(ctx, err, "do request", "method", method)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, remoteError(resp.StatusCode)
	}
	return resp, nil
}

// copyChunks copies src to dst in bounded chunks. Read failures are transport errors, write failures are internal.
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, downloadChunkSize)
	var written int64
	for {
		n, rErr := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			written += int64(w)
			if wErr != nil {
				return written, newError(KindInternal, wErr, "write file")
			}
			if w != n {
				return written, newError(KindInternal, io.ErrShortWrite, "write file")
			}
		}
		if errors.Is(rErr, io.EOF) {
			return written, nil
		}
		if rErr != nil {
			return written, classifyTransfer(ctx, rErr, "read body")
		}
	}
}
