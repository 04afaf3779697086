package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vsb-project/vsb/internal/config"
	"github.com/vsb-project/vsb/internal/lockfile"
	"github.com/vsb-project/vsb/internal/metrics"
	"github.com/vsb-project/vsb/internal/provider"
	"github.com/vsb-project/vsb/internal/provider/cloud"
	"github.com/vsb-project/vsb/internal/uploadpipeline"
)

// newUploadTarget constructs the provider.Upload for one backup's upload
// configuration, dispatching on the configured provider name.
func newUploadTarget(ctx context.Context, u *config.Upload) (provider.Upload, error) {
	creds := cloud.Credentials{
		ClientID:     u.Provider.ClientID,
		ClientSecret: u.Provider.ClientSecret,
		RefreshToken: u.Provider.RefreshToken,
	}
	switch u.Provider.Name {
	case "dropbox":
		return cloud.NewDropbox(ctx, creds, u.Path), nil
	case "google_drive":
		return cloud.NewGoogleDrive(ctx, creds, u.Path), nil
	case "yandex_disk":
		return cloud.NewYandexDisk(ctx, creds, u.Path), nil
	default:
		return nil, fmt.Errorf("upload: unknown provider %q", u.Provider.Name)
	}
}

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload [NAME]",
		Short: "Sync local backup groups to their configured cloud provider",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := GetLogger()
			ctx := GetContext()

			cfg, err := config.Load(ConfigPath())
			if err != nil {
				return err
			}
			lock, err := lockfile.Acquire(ConfigPath())
			if err != nil {
				return err
			}
			defer lock.Release()

			backups := cfg.Backups
			if len(args) == 1 {
				b, err := cfg.ByName(args[0])
				if err != nil {
					return err
				}
				backups = []config.Backup{*b}
			}

			exp := metrics.New(cfg.PrometheusMetrics)
			anyErr := false
			for _, b := range backups {
				if b.Upload == nil {
					continue
				}
				dest, err := newUploadTarget(ctx, b.Upload)
				if err != nil {
					log.Errorf("upload %q: %v", b.Name, err)
					anyErr = true
					continue
				}

				res, err := uploadpipeline.Sync(ctx, b.Path, dest, b.Upload.EncryptionPassphrase, b.Upload.MaxBackupGroups, log)
				if err != nil {
					log.Errorf("upload %q: %v", b.Name, err)
					anyErr = true
					continue
				}
				for _, e := range res.Errors {
					log.Errorf("upload %q: %v", b.Name, e)
				}
				if len(res.Errors) > 0 {
					anyErr = true
				}
				exp.ObserveFiles(b.Name, metrics.TypeUploaded, res.BackupsUploaded)
				log.Infof("upload %q: %d group(s) created, %d backup(s) uploaded, %d group(s) pruned",
					b.Name, res.GroupsCreated, res.BackupsUploaded, res.GroupsDeleted)
			}
			if err := exp.Flush(); err != nil {
				log.Warnf("flush metrics: %v", err)
			}

			if anyErr {
				log.Errorf("upload completed with errors")
			}
			return nil
		},
	}
}
