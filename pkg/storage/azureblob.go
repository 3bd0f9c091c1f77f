package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-provenance/pkg/config"
	"github.com/ekaya-inc/ekaya-provenance/pkg/retry"
)

const azureRefPrefix = "azblob://"

// AzureBlobStore keeps artifacts in a blob container and signs read-only SAS URLs.
type AzureBlobStore struct {
	client    *azblob.Client
	container string
	timeout   time.Duration
	logger    *zap.Logger
}

var _ ObjectStore = (*AzureBlobStore)(nil)

// NewAzureBlobStore connects with the account shared key and ensures the
// container exists.
func NewAzureBlobStore(ctx context.Context, cfg *config.StorageConfig, logger *zap.Logger) (*AzureBlobStore, error) {
	cred, err := azblob.NewSharedKeyCredential(cfg.AzureAccountName, cfg.AzureAccountKey)
	if err != nil {
		return nil, fmt.Errorf("invalid storage account credential: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(cfg.AzureURL(), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	s := &AzureBlobStore{
		client:    client,
		container: cfg.AzureContainer,
		timeout:   cfg.Timeout(),
		logger:    logger.Named("storage"),
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := client.CreateContainer(callCtx, s.container, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("failed to ensure container %q: %w", s.container, err)
	}
	return s, nil
}

func (s *AzureBlobStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	err := retry.DoIfRetryable(ctx, retry.DefaultConfig(), func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		_, err := s.client.UploadBuffer(callCtx, s.container, key, data, &azblob.UploadBufferOptions{
			HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
		})
		return err
	})
	if err != nil {
		if retry.IsRetryable(err) {
			return "", apperrors.Transient("STORAGE_UNAVAILABLE", "blob upload failed", err)
		}
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	s.logger.Debug("Uploaded artifact",
		zap.String("container", s.container),
		zap.String("key", key),
		zap.Int("bytes", len(data)))
	return azureRefPrefix + s.container + "/" + key, nil
}

// SignedURL returns a read-only SAS URL. Signing is local; no request is made.
func (s *AzureBlobStore) SignedURL(_ context.Context, ref string, ttl time.Duration) (string, error) {
	container, key, err := parseAzureRef(ref)
	if err != nil {
		return "", err
	}
	blobClient := s.client.ServiceClient().NewContainerClient(container).NewBlobClient(key)
	u, err := blobClient.GetSASURL(sas.BlobPermissions{Read: true}, time.Now().UTC().Add(ttl), nil)
	if err != nil {
		return "", fmt.Errorf("failed to sign blob URL: %w", err)
	}
	return u, nil
}

func parseAzureRef(ref string) (container, key string, err error) {
	rest, ok := strings.CutPrefix(ref, azureRefPrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	container, key, ok = strings.Cut(rest, "/")
	if !ok || container == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if err := ValidateKey(key); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	return container, key, nil
}
