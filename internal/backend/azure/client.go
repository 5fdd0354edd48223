package azure

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/Chapsvision-dev/clouddrive-backup/internal/backend"
	"github.com/Chapsvision-dev/clouddrive-backup/internal/config"
)

// Build client from config.
// Priority: 1) SAS  2) Service Principal  3) DefaultAzureCredential.
func newClientFromConfig(c config.AzureConfig) (*azblob.Client, error) {
	endpoint := os.Getenv("AZURE_BLOB_ENDPOINT")
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", c.Account)
	}

	// 1) SAS
	if sasRaw := strings.TrimSpace(c.SASToken); sasRaw != "" {
		sas := strings.TrimPrefix(sasRaw, "?")
		return azblob.NewClientWithNoCredential(endpoint+"?"+sas, nil)
	}

	// 2) Service Principal
	if c.ClientID != "" && c.ClientSecret != "" && c.TenantID != "" {
		cred, err := azidentity.NewClientSecretCredential(c.TenantID, c.ClientID, c.ClientSecret, nil)
		if err != nil {
			return nil, err
		}
		return azblob.NewClient(endpoint, cred, nil)
	}

	// 3) Managed Identity / DefaultAzureCredential
	defCred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, err
	}
	return azblob.NewClient(endpoint, defCred, nil)
}

func init() {
	backend.Register("azure", func(ctx context.Context, cfg any) (backend.Backend, error) {
		c, ok := cfg.(config.Config)
		if !ok {
			return nil, fmt.Errorf("azure: invalid config type")
		}
		client, err := newClientFromConfig(c.Azure)
		if err != nil {
			return nil, backend.Fatal(fmt.Errorf("azure: %w", err))
		}
		p := &Container{
			client:    client,
			container: c.Azure.Container,
			prefix:    strings.Trim(c.Target, "/"),
			ro:        c.RetryOptions(),
		}
		if err := p.ensureContainer(ctx); err != nil {
			return nil, backend.Fatal(fmt.Errorf("azure: %w", err))
		}
		return p, nil
	})
}
