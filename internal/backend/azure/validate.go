package azure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/Chapsvision-dev/clouddrive-backup/internal/retry"
)

var errContainerNotFound = errors.New("container not found")

// ensureContainer checks access using a minimal list (SAS sr=c cannot create containers).
func (p *Container) ensureContainer(ctx context.Context) error {
	start := time.Now()
	attempts := 0
	ensureOnce := func(ctx context.Context, attempt int) error {
		attempts = attempt
		log.Debug().Str("action", "azure_container_check").Str("container", p.container).
			Int("attempt", attempt).Msg("starting attempt")

		pager := p.client.NewListBlobsFlatPager(p.container, &azblob.ListBlobsFlatOptions{
			MaxResults: to.Ptr(int32(1)),
		})
		if !pager.More() {
			return nil
		}
		_, err := pager.NextPage(ctx)
		if err == nil {
			return nil
		}
		switch {
		case bloberror.HasCode(err, bloberror.ContainerNotFound):
			return fmt.Errorf("%w: %q, create it first (container SAS cannot create containers)", errContainerNotFound, p.container)
		case isAuthFailure(err):
			return fmt.Errorf("not authorized for container %q; ensure a container SAS with at least rwdl", p.container)
		}
		log.Debug().Err(err).Str("action", "azure_container_check").Str("container", p.container).
			Int("attempt", attempt).Msg("attempt failed")
		return err
	}
	if err := retry.Do(ctx, p.ro, isAzRetryable, ensureOnce); err != nil {
		return err
	}
	log.Debug().Str("action", "azure_container_check").Str("container", p.container).
		Int("attempts", attempts).Dur("elapsed_ms", time.Since(start)).Msg("container access OK")
	return nil
}

// isAzRetryable: retry rules for Azure (timeout, 5xx, 429, 408, ServerBusy).
func isAzRetryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		if re.StatusCode == http.StatusTooManyRequests || re.StatusCode == http.StatusRequestTimeout {
			return true
		}
		if re.StatusCode >= 500 && re.StatusCode <= 599 {
			return true
		}
		if re.ErrorCode == string(bloberror.ServerBusy) {
			return true
		}
	}
	return false
}
