// Package restore implements planning and execution of a restore: given a
// read-only storage root, a group name, and a target backup name, it walks
// the group backward to resolve every file — including ones deduplicated
// away from the target backup itself — to the archive that actually holds
// its bytes.
package restore

import (
	"context"
	"fmt"

	"github.com/vsb-project/vsb/internal/hashutil"
	"github.com/vsb-project/vsb/internal/metadata"
	"github.com/vsb-project/vsb/internal/provider"
	"github.com/vsb-project/vsb/internal/storage"
)

// RestoringFile is one file that must be extracted from a particular
// backup's archive and written to every path in Paths.
type RestoringFile struct {
	Hash  hashutil.Hash
	Size  int64
	Paths []string // destination paths (fan-out when dedup resolves to >1 file)
}

// Step is one backup's contribution to the restore: the set of source
// paths (as recorded in that backup's own manifest) to extract, each
// mapped to the destinations it must be written to.
type Step struct {
	BackupName string
	Files      map[string]*RestoringFile // keyed by source path inside this backup's archive
}

// Plan is the full ordered restore plan: Steps in extraction order (target
// backup first, then progressively older backups), the set of paths that
// the target is not the authoritative source for, and any hashes that
// could not be resolved to any backup in the group.
type Plan struct {
	GroupName    string
	TargetName   string
	Steps        []*Step
	ExternFiles  map[string]bool // destination paths served from a non-target archive
	MissingFiles []string        // destination paths whose hash was never found
}

// Build walks group, newest-first, starting at backupName, and produces a
// Plan resolving every file the target manifest names — including ones
// whose bytes live in an earlier backup because of dedup.
func Build(ctx context.Context, ro provider.Reader, groupName, backupName string) (*Plan, error) {
	groups, _, err := storage.ListGroups(ctx, ro)
	if err != nil {
		return nil, fmt.Errorf("restore: list groups: %w", err)
	}
	var group *storage.Group
	for i := range groups {
		if groups[i].Name == groupName {
			group = &groups[i]
			break
		}
	}
	if group == nil {
		return nil, fmt.Errorf("restore: group %q not found", groupName)
	}

	targetIdx := -1
	for i, b := range group.Backups {
		if b.Name == backupName {
			targetIdx = i
			break
		}
	}
	if targetIdx == -1 {
		return nil, fmt.Errorf("restore: backup %q not found in group %q", backupName, groupName)
	}

	plan := &Plan{
		GroupName:   groupName,
		TargetName:  backupName,
		ExternFiles: make(map[string]bool),
	}

	toFind := make(map[hashutil.Hash][]string) // hash -> destination paths still needing that hash

	targetItems, err := storage.ReadManifest(ctx, ro, groupName, backupName)
	if err != nil {
		return nil, fmt.Errorf("restore: read target manifest: %w", err)
	}
	targetStep := &Step{BackupName: backupName, Files: make(map[string]*RestoringFile)}
	plan.Steps = append(plan.Steps, targetStep)

	for _, it := range targetItems {
		if it.Status == metadata.StatusUnique || it.Size == 0 {
			addOrExtend(targetStep, it.Path, it.Hash, it.Size, it.Path)
			continue
		}
		toFind[it.Hash] = append(toFind[it.Hash], it.Path)
		plan.ExternFiles[it.Path] = true
	}

	for i := targetIdx - 1; i >= 0 && len(toFind) > 0; i-- {
		backup := group.Backups[i]
		items, err := storage.ReadManifest(ctx, ro, groupName, backup.Name)
		if err != nil {
			return nil, fmt.Errorf("restore: read manifest for %q: %w", backup.Name, err)
		}
		step := &Step{BackupName: backup.Name, Files: make(map[string]*RestoringFile)}
		stepUsed := false

		for _, it := range items {
			if it.Status != metadata.StatusUnique {
				continue
			}
			dests, needed := toFind[it.Hash]
			if !needed {
				continue
			}
			delete(toFind, it.Hash)
			for _, dest := range dests {
				addOrExtend(step, it.Path, it.Hash, it.Size, dest)
			}
			stepUsed = true
		}
		if stepUsed {
			plan.Steps = append(plan.Steps, step)
		}
	}

	for _, dests := range toFind {
		plan.MissingFiles = append(plan.MissingFiles, dests...)
	}

	return plan, nil
}

func addOrExtend(step *Step, sourcePath string, hash hashutil.Hash, size int64, destPath string) {
	rf, ok := step.Files[sourcePath]
	if !ok {
		rf = &RestoringFile{Hash: hash, Size: size}
		step.Files[sourcePath] = rf
	}
	rf.Paths = append(rf.Paths, destPath)
}
