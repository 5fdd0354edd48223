package azure

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/clouddrive-backup/internal/backend"
	"github.com/Chapsvision-dev/clouddrive-backup/internal/retry"
)

// Container stores backup files as blobs below a prefix of one container.
type Container struct {
	client    *azblob.Client
	container string
	prefix    string
	ro        retry.Options
}

var _ backend.Backend = (*Container)(nil)

func (p *Container) Name() string { return "azure" }

// Put uploads the file and validates the stored size.
func (p *Container) Put(ctx context.Context, source, remoteName string) error {
	key := p.key(remoteName)

	st, err := os.Stat(source)
	if err != nil {
		return err
	}

	upStart := time.Now()
	f, err := os.Open(source)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			log.Warn().
				Err(cerr).
				Str("file", source).
				Msg("failed to close source file after upload")
		}
	}()
	if _, err := p.client.UploadFile(ctx, p.container, key, f, nil); err != nil {
		return fmt.Errorf("upload %q: %w", key, p.classify(err))
	}
	log.Debug().Str("action", "azure_upload").Str("container", p.container).Str("key", key).
		Dur("elapsed_ms", time.Since(upStart)).Msg("upload OK")

	remoteSize, err := p.Query(ctx, remoteName)
	if err != nil {
		return fmt.Errorf("validate %q: %w", key, err)
	}
	if remoteSize != st.Size() {
		return backend.Retryable(fmt.Errorf("size mismatch for %q: local=%d, remote=%d", key, st.Size(), remoteSize))
	}
	return nil
}

// Get downloads a blob to a local path via a ".part" file.
func (p *Container) Get(ctx context.Context, remoteName, target string) error {
	key := p.key(remoteName)

	dlStart := time.Now()
	tmp := target + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, err = p.client.DownloadFile(ctx, p.container, key, out, nil)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return fmt.Errorf("%w: %q cannot be downloaded", backend.ErrNotFound, remoteName)
		}
		return fmt.Errorf("download %q: %w", key, p.classify(err))
	}
	if err := os.Rename(tmp, target); err != nil {
		return err
	}

	log.Debug().Str("action", "azure_download").Str("container", p.container).Str("key", key).
		Str("local", target).Dur("elapsed_ms", time.Since(dlStart)).Msg("download OK")
	return nil
}

// Query returns the blob size, or backend.NotExist.
func (p *Container) Query(ctx context.Context, remoteName string) (int64, error) {
	key := p.key(remoteName)
	bc := p.client.ServiceClient().NewContainerClient(p.container).NewBlobClient(key)
	props, err := bc.GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return backend.NotExist, nil
		}
		return 0, fmt.Errorf("query %q: %w", key, p.classify(err))
	}
	if props.ContentLength == nil {
		return 0, nil
	}
	return *props.ContentLength, nil
}

// List returns the file names directly below the prefix.
func (p *Container) List(ctx context.Context) ([]string, error) {
	listPrefix := ""
	if p.prefix != "" {
		listPrefix = p.prefix + "/"
	}
	pager := p.client.NewListBlobsFlatPager(p.container, &azblob.ListBlobsFlatOptions{
		Prefix: to.Ptr(listPrefix),
	})

	var names []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list: %w", p.classify(err))
		}
		for _, it := range page.Segment.BlobItems {
			if it.Name == nil {
				continue
			}
			name := strings.TrimPrefix(*it.Name, listPrefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the blob.
func (p *Container) Delete(ctx context.Context, remoteName string) error {
	key := p.key(remoteName)
	if _, err := p.client.DeleteBlob(ctx, p.container, key, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return fmt.Errorf("%w: %q cannot be deleted", backend.ErrNotFound, remoteName)
		}
		return fmt.Errorf("delete %q: %w", key, p.classify(err))
	}
	log.Debug().Str("action", "azure_delete").Str("container", p.container).Str("key", key).Msg("deleted")
	return nil
}

func (p *Container) key(name string) string {
	name = strings.TrimPrefix(name, "/")
	if p.prefix == "" {
		return name
	}
	return path.Join(p.prefix, name)
}

// classify marks transient Azure errors retryable and auth failures fatal.
func (p *Container) classify(err error) error {
	switch {
	case isAuthFailure(err):
		return backend.Fatal(err)
	case isAzRetryable(err):
		return backend.Retryable(err)
	}
	return err
}

func isAuthFailure(err error) bool {
	return bloberror.HasCode(err,
		bloberror.AuthorizationFailure,
		bloberror.AuthorizationPermissionMismatch,
		bloberror.AuthenticationFailed)
}
