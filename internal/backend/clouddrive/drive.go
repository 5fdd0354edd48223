package clouddrive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/clouddrive-backup/internal/backend"
)

// MaxFileSize is the largest file the provider stores without workarounds.
const MaxFileSize int64 = 10 * 1024 * 1024 * 1024

const (
	defaultBufferSize     = 32 * 1024
	defaultRequestTimeout = 60 * time.Second
)

// Session is the authenticated access the drive needs.
type Session interface {
	Client() *http.Client
	MetadataURL() string
	ContentURL() string
}

// Options configures a Drive.
type Options struct {
	// Target is the slash separated folder path holding the backup files.
	Target string
	// MaxVolumeSize is the largest file the caller will upload.
	MaxVolumeSize int64
	// RequestTimeout bounds each metadata request. Content transfers are
	// bounded by the caller's context only.
	RequestTimeout time.Duration
	// BufferSize is the chunk size for streaming uploads and downloads.
	BufferSize int
}

// Drive stores backup files in one folder of a Cloud Drive account.
//
// The target folder is resolved once in New and kept for the lifetime of the
// Drive. names caches file name to node id for the target folder; it is
// refilled by listing on a miss, so it may be stale after external changes.
// A Drive is not safe for concurrent use.
type Drive struct {
	api      *api
	target   string
	targetID string
	bufSize  int
	names    map[string]string
}

var _ backend.Backend = (*Drive)(nil)

// CheckVolumeSize rejects volume sizes above MaxFileSize.
func CheckVolumeSize(size int64) error {
	if size > MaxFileSize {
		return backend.Fatal(fmt.Errorf("volume size %s is bigger than %s, the maximum file size on Cloud Drive",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(MaxFileSize))))
	}
	return nil
}

// New resolves opt.Target below the account's root folder, creating missing
// folders, and returns a Drive storing files there.
func New(ctx context.Context, sess Session, opt Options) (*Drive, error) {
	if err := CheckVolumeSize(opt.MaxVolumeSize); err != nil {
		return nil, err
	}
	if opt.RequestTimeout <= 0 {
		opt.RequestTimeout = defaultRequestTimeout
	}
	if opt.BufferSize <= 0 {
		opt.BufferSize = defaultBufferSize
	}

	d := &Drive{
		api: &api{
			hc:          sess.Client(),
			metadataURL: sess.MetadataURL(),
			contentURL:  sess.ContentURL(),
			timeout:     opt.RequestTimeout,
		},
		target:  opt.Target,
		bufSize: opt.BufferSize,
		names:   map[string]string{},
	}

	start := time.Now()
	rootID, err := d.api.rootID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve root folder: %w", err)
	}
	d.targetID, err = d.api.resolvePath(ctx, rootID, opt.Target)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("action", "resolve_target").
		Str("target", opt.Target).
		Str("target_id", d.targetID).
		Dur("elapsed_ms", time.Since(start)).
		Msg("backup target folder resolved")
	return d, nil
}

func (d *Drive) Name() string { return "clouddrive" }

// TargetID returns the node id of the backup target folder.
func (d *Drive) TargetID() string { return d.targetID }

// Put uploads source as remoteName into the target folder.
func (d *Drive) Put(ctx context.Context, source, remoteName string) error {
	st, err := os.Stat(source)
	if err != nil {
		return err
	}
	size := st.Size()

	available, err := d.api.availableQuota(ctx)
	if err != nil {
		return fmt.Errorf("quota: %w", err)
	}
	if size > available {
		return fmt.Errorf("%w: trying to store %q (%s), but only %s available on Cloud Drive",
			backend.ErrOutOfSpace, source, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(max(available, 0))))
	}

	// Only the cached view is checked; a full listing per upload is too costly.
	if _, ok := d.names[remoteName]; ok {
		log.Debug().
			Str("action", "clouddrive_upload").
			Str("name", remoteName).
			Msg("file seems to exist already, deleting before upload")
		if err := d.Delete(ctx, remoteName); err != nil {
			return fmt.Errorf("delete existing %q: %w", remoteName, err)
		}
	}

	start := time.Now()
	n, err := d.upload(ctx, source, remoteName, size)
	if err != nil {
		return err
	}

	// The new file may not show up in a listing yet.
	name := n.Name
	if name == "" {
		name = remoteName
	}
	d.names[name] = n.ID

	log.Debug().
		Str("action", "clouddrive_upload").
		Str("name", name).
		Str("id", n.ID).
		Str("size", humanize.IBytes(uint64(size))).
		Dur("elapsed_ms", time.Since(start)).
		Msg("upload OK")
	return nil
}

func (d *Drive) upload(ctx context.Context, source, remoteName string, size int64) (Node, error) {
	meta := Node{Name: remoteName, Kind: KindFile, Parents: []string{d.targetID}}
	form, err := newUploadForm(meta, remoteName)
	if err != nil {
		return Node{}, err
	}
	body, err := form.open(source, d.bufSize)
	if err != nil {
		return Node{}, err
	}
	defer func() { _ = body.Close() }()

	u := d.api.content("nodes", url.Values{"suppress": {"deduplication"}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return Node{}, err
	}
	req.ContentLength = form.length(size)
	req.GetBody = func() (io.ReadCloser, error) { return form.open(source, d.bufSize) }
	req.Header.Set("Content-Type", form.contentType)

	resp, err := d.api.hc.Do(req)
	if err != nil {
		return Node{}, fmt.Errorf("upload %q: %w", remoteName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusConflict {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		log.Warn().
			Str("action", "clouddrive_upload").
			Str("name", remoteName).
			Msg("duplicate file exists, moving it to trash before retry")

		err := fmt.Errorf("upload %q: a file with the same name was already present; "+
			"it was moved to trash and the upload should be retried", remoteName)
		if derr := d.Delete(ctx, remoteName); derr != nil {
			err = errors.Join(err, fmt.Errorf("delete conflicting %q: %w", remoteName, derr))
		}
		return Node{}, backend.Retryable(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Node{}, statusError(req, resp)
	}

	var n Node
	if err := decodeJSON(resp.Body, &n); err != nil {
		return Node{}, backend.Retryable(fmt.Errorf("%q was uploaded, but the response could not be decoded: %w", remoteName, err))
	}
	if n.ID == "" {
		return Node{}, backend.Retryable(fmt.Errorf("%q was uploaded, but the response does not contain the id of the new file", remoteName))
	}
	return n, nil
}

// Get downloads remoteName to target. Content is streamed into target+".part"
// which is renamed on success.
func (d *Drive) Get(ctx context.Context, remoteName, target string) error {
	id, err := d.fileID(ctx, remoteName)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: %q cannot be downloaded", backend.ErrNotFound, remoteName)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.api.content("nodes/"+url.PathEscape(id)+"/content", nil), http.NoBody)
	if err != nil {
		return err
	}
	resp, err := d.api.send(req)
	if err != nil {
		return fmt.Errorf("download %q: %w", remoteName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	start := time.Now()
	n, err := d.writeFile(target, resp.Body)
	if err != nil {
		return fmt.Errorf("download %q: %w", remoteName, err)
	}

	log.Debug().
		Str("action", "clouddrive_download").
		Str("name", remoteName).
		Str("local", target).
		Str("size", humanize.IBytes(uint64(n))).
		Dur("elapsed_ms", time.Since(start)).
		Msg("download OK")
	return nil
}

func (d *Drive) writeFile(target string, body io.Reader) (int64, error) {
	if dir := filepath.Dir(target); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, err
		}
	}

	tmp := target + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	closed := false
	defer func() {
		if !closed {
			_ = out.Close()
			_ = os.Remove(tmp)
		}
	}()

	w := bufio.NewWriterSize(out, d.bufSize)
	n, err := io.CopyBuffer(w, body, make([]byte, d.bufSize))
	if err != nil {
		return n, err
	}
	if err := w.Flush(); err != nil {
		return n, err
	}
	closed = true
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return n, err
	}
	return n, os.Rename(tmp, target)
}

// Query returns the size of remoteName, or backend.NotExist.
func (d *Drive) Query(ctx context.Context, remoteName string) (int64, error) {
	id, err := d.fileID(ctx, remoteName)
	if err != nil {
		return 0, err
	}
	if id == "" {
		return backend.NotExist, nil
	}
	n, err := d.api.node(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("query %q: %w", remoteName, err)
	}
	return n.Size(), nil
}

// List relists the target folder, replaces the name cache and returns the
// file names in sorted order.
func (d *Drive) List(ctx context.Context) ([]string, error) {
	files, err := d.api.readAllPages(ctx, "nodes/"+url.PathEscape(d.targetID)+"/children", filters("kind:"+KindFile))
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}

	names := make(map[string]string, len(files))
	for _, f := range files {
		names[f.Name] = f.ID
	}
	d.names = names

	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// Delete moves remoteName to the trash.
func (d *Drive) Delete(ctx context.Context, remoteName string) error {
	id, err := d.fileID(ctx, remoteName)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: %q cannot be deleted", backend.ErrNotFound, remoteName)
	}
	if err := d.api.trash(ctx, id); err != nil {
		return fmt.Errorf("delete %q: %w", remoteName, err)
	}
	delete(d.names, remoteName)

	log.Debug().
		Str("action", "clouddrive_delete").
		Str("name", remoteName).
		Str("id", id).
		Msg("moved to trash")
	return nil
}

// fileID returns the node id of remoteName, relisting the target folder on a
// cache miss. An empty id means the file does not exist.
func (d *Drive) fileID(ctx context.Context, remoteName string) (string, error) {
	if id, ok := d.names[remoteName]; ok {
		return id, nil
	}
	if _, err := d.List(ctx); err != nil {
		return "", err
	}
	return d.names[remoteName], nil
}
