package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vsb-project/vsb/internal/provider"
	"github.com/vsb-project/vsb/internal/restore"
)

// splitBackupPath takes a path of the form <root>/<group>/<backup> and
// returns the storage root plus the group/backup names expected by
// storage.ListGroups and the restore planner.
func splitBackupPath(backupPath string) (root, group, backup string) {
	backupPath = filepath.Clean(backupPath)
	backup = filepath.Base(backupPath)
	groupDir := filepath.Dir(backupPath)
	group = filepath.Base(groupDir)
	root = filepath.Dir(groupDir)
	return root, group, backup
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore BACKUP_PATH RESTORE_PATH",
		Short: "Restore a backup into RESTORE_PATH",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := GetLogger()
			ctx := GetContext()

			root, group, backup := splitBackupPath(args[0])
			restoreRoot := args[1]

			ro := provider.NewLocal(root)
			plan, err := restore.Build(ctx, ro, group, backup)
			if err != nil {
				return fmt.Errorf("restore: plan %q: %w", args[0], err)
			}
			if len(plan.MissingFiles) > 0 {
				log.Warnf("restore: %d file(s) could not be resolved to any backup and will be missing", len(plan.MissingFiles))
			}

			res, err := restore.Execute(ctx, ro, plan, restoreRoot, log)
			if err != nil {
				return fmt.Errorf("restore: %w", err)
			}
			for _, e := range res.Errors {
				log.Errorf("restore: %v", e)
			}
			if !res.OK {
				log.Errorf("restore of %q completed with errors", args[0])
			}
			return nil
		},
	}
}
