package uploadpipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/vsb-project/vsb/internal/logging"
	"github.com/vsb-project/vsb/internal/provider"
	"github.com/vsb-project/vsb/internal/storage"
)

// SyncResult summarizes one retention pass.
type SyncResult struct {
	GroupsCreated  int
	BackupsUploaded int
	GroupsDeleted  int
	Errors         []error
}

// Sync brings cloudDest in line with the newest maxGroups non-empty groups
// of the union of local groups under localRoot and the groups already on
// cloudDest: uploads what's missing, then deletes cloud
// groups outside the target set, but only if the whole pass had no errors
// (an upload failure must never cost us the only surviving copy of
// something).
func Sync(ctx context.Context, localRoot string, cloudDest provider.Upload, passphrase string, maxGroups int, log *logging.Logger) (SyncResult, error) {
	local := provider.NewLocal(localRoot)

	localGroups, localOK, err := storage.ListGroups(ctx, local)
	if err != nil {
		return SyncResult{}, fmt.Errorf("uploadpipeline: list local groups: %w", err)
	}
	cloudGroups, _, err := storage.ListGroups(ctx, cloudDest)
	if err != nil {
		return SyncResult{}, fmt.Errorf("uploadpipeline: list cloud groups: %w", err)
	}
	if !localOK {
		log.Warnf("local storage listing was inconsistent; proceeding cautiously")
	}

	localNonEmpty := countNonEmpty(localGroups)
	if localNonEmpty >= 2 && len(cloudGroups) > len(localGroups) {
		return SyncResult{}, fmt.Errorf("uploadpipeline: cloud has more groups (%d) than local (%d) — possible corruption, refusing to sync", len(cloudGroups), len(localGroups))
	}

	target := targetGroups(localGroups, cloudGroups, maxGroups)
	cloudByName := indexGroups(cloudGroups)

	var res SyncResult
	for _, g := range target {
		cg, onCloud := cloudByName[g.Name]
		if !onCloud {
			if err := cloudDest.CreateDirectory(ctx, g.Name); err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("create cloud group %q: %w", g.Name, err))
				continue
			}
			res.GroupsCreated++
			cg = storage.Group{Name: g.Name}
		}
		cloudBackups := indexBackups(cg)
		for _, b := range g.Backups {
			if cloudBackups[b.Name] {
				continue
			}
			localBackupPath := storage.BackupPath(g.Name, b.Name, local.Kind())
			if err := UploadBackup(ctx, local, cloudDest, g.Name, b.Name, localBackupPath, passphrase, log); err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("upload %s/%s: %w", g.Name, b.Name, err))
				continue
			}
			res.BackupsUploaded++
		}
	}

	if len(res.Errors) > 0 {
		log.Warnf("skipping cloud prune: %d error(s) occurred during this sync", len(res.Errors))
		return res, nil
	}

	targetNames := make(map[string]bool, len(target))
	for _, g := range target {
		targetNames[g.Name] = true
	}
	for _, cg := range cloudGroups {
		if targetNames[cg.Name] {
			continue
		}
		if err := cloudDest.Delete(ctx, cg.Name); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("delete stale cloud group %q: %w", cg.Name, err))
			continue
		}
		res.GroupsDeleted++
	}

	return res, nil
}

func countNonEmpty(groups []storage.Group) int {
	n := 0
	for _, g := range groups {
		if len(g.Backups) > 0 {
			n++
		}
	}
	return n
}

// targetGroups is the union of local and cloud groups, trimmed to the
// newest maxGroups non-empty groups.
func targetGroups(local, cloud []storage.Group, maxGroups int) []storage.Group {
	byName := indexGroups(local)
	for _, g := range cloud {
		if _, ok := byName[g.Name]; !ok {
			byName[g.Name] = g
		}
	}
	var all []storage.Group
	for _, g := range byName {
		if len(g.Backups) > 0 {
			all = append(all, g)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	if len(all) > maxGroups {
		all = all[len(all)-maxGroups:]
	}
	return all
}

func indexGroups(groups []storage.Group) map[string]storage.Group {
	m := make(map[string]storage.Group, len(groups))
	for _, g := range groups {
		m[g.Name] = g
	}
	return m
}

func indexBackups(g storage.Group) map[string]bool {
	m := make(map[string]bool, len(g.Backups))
	for _, b := range g.Backups {
		m[b.Name] = true
	}
	return m
}
