package storage

import (
	"context"
	"fmt"

	"broll/internal/adapters/storage/gdrive"
	"broll/internal/adapters/storage/localfs"
	"broll/internal/config"
	"broll/internal/ports"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// Provider is the archive contract used by the API and the worker.
type Provider = ports.StorageProvider

// NewProvider builds the configured provider. It returns nil, nil when the
// archive is disabled.
func NewProvider(ctx context.Context, cfg config.StorageConfig, gd config.GDriveConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil

	case "localfs":
		if cfg.LocalRoot == "" {
			return nil, fmt.Errorf("storage.local_root is required for localfs")
		}
		return localfs.New(cfg.LocalRoot), nil

	case "gdrive":
		return newGDriveProvider(ctx, gd)

	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
}

func newGDriveProvider(ctx context.Context, gd config.GDriveConfig) (Provider, error) {
	if gd.ClientID == "" || gd.ClientSecret == "" || gd.RefreshToken == "" {
		return nil, fmt.Errorf("gdrive requires client_id, client_secret and refresh_token")
	}

	conf := &oauth2.Config{
		ClientID:     gd.ClientID,
		ClientSecret: gd.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}

	tok := &oauth2.Token{RefreshToken: gd.RefreshToken}
	httpClient := conf.Client(ctx, tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}

	return gdrive.NewClient(srv, gd.FolderID), nil
}
