package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vsb-project/vsb/internal/backupengine"
	"github.com/vsb-project/vsb/internal/config"
	"github.com/vsb-project/vsb/internal/lockfile"
	"github.com/vsb-project/vsb/internal/metrics"
)

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup NAME",
		Short: "Run the named backup from the configuration file",
		Args:  cobra.ExactArgs(1),
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

			b, err := cfg.ByName(args[0])
			if err != nil {
				return err
			}

			engine := backupengine.New(*b, log)
			res, err := engine.Run(ctx)
			if err != nil {
				return fmt.Errorf("backup %q: %w", b.Name, err)
			}

			exp := metrics.New(cfg.PrometheusMetrics)
			exp.ObserveFiles(b.Name, metrics.TypeUnique, res.UniqueCount)
			exp.ObserveFiles(b.Name, metrics.TypeExtern, res.ExternCount)
			exp.ObserveSize(b.Name, metrics.TypeData, res.DataSize)
			exp.ObserveSize(b.Name, metrics.TypeMetadata, res.MetadataSize)
			if err := exp.Flush(); err != nil {
				log.Warnf("flush metrics: %v", err)
			}

			if !res.OK {
				log.Errorf("backup %q completed with path errors", b.Name)
			}
			return nil
		},
	}
}
