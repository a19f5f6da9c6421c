package pullrequest

import (
	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/emirpasic/gods/sets/hashset"

	"github.com/odvcencio/vcshub/internal/vcs"
)

// CommitChanges partitions two revision lists. Added and Common keep the
// order of the new list, Removed the order of the old one.
type CommitChanges struct {
	Added   []string `json:"added"`
	Common  []string `json:"common"`
	Removed []string `json:"removed"`
	Total   []string `json:"total"`
}

func CalculateCommitIDChanges(oldIDs, newIDs []string) CommitChanges {
	oldSet := hashset.New()
	for _, id := range oldIDs {
		oldSet.Add(id)
	}
	newSet := hashset.New()
	for _, id := range newIDs {
		newSet.Add(id)
	}

	changes := CommitChanges{
		Added:   []string{},
		Common:  []string{},
		Removed: []string{},
		Total:   append([]string{}, newIDs...),
	}
	for _, id := range newIDs {
		if oldSet.Contains(id) {
			changes.Common = append(changes.Common, id)
		} else {
			changes.Added = append(changes.Added, id)
		}
	}
	for _, id := range oldIDs {
		if !newSet.Contains(id) {
			changes.Removed = append(changes.Removed, id)
		}
	}
	return changes
}

// FileChanges classifies the files touched between two pull request diffs.
type FileChanges struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
}

// IsEmpty reports whether the update left every file as it was.
func (f FileChanges) IsEmpty() bool {
	return len(f.Added) == 0 && len(f.Modified) == 0 && len(f.Removed) == 0
}

// CalculateFileChanges compares the per-file patches of the diff before and
// after an update. A file whose patch is identical in both is unchanged, so
// a file added and reverted within one update shows up nowhere.
func CalculateFileChanges(oldDiff, newDiff *vcs.Diff) (FileChanges, error) {
	changes := FileChanges{Added: []string{}, Modified: []string{}, Removed: []string{}}

	oldFiles := linkedhashmap.New()
	for _, chunk := range oldDiff.Chunks() {
		oldFiles.Put(chunk.Path(), chunk.Raw())
	}
	deleted, err := deletedPaths(newDiff)
	if err != nil {
		return changes, err
	}

	for _, chunk := range newDiff.Chunks() {
		path := chunk.Path()
		oldRaw, found := oldFiles.Get(path)
		if !found {
			if deleted[path] {
				changes.Removed = append(changes.Removed, path)
			} else {
				changes.Added = append(changes.Added, path)
			}
			continue
		}
		if oldRaw.(string) != chunk.Raw() {
			changes.Modified = append(changes.Modified, path)
		}
		oldFiles.Remove(path)
	}
	// whatever the new diff no longer touches went back to the target's
	// content
	for _, key := range oldFiles.Keys() {
		changes.Removed = append(changes.Removed, key.(string))
	}
	return changes, nil
}

func deletedPaths(d *vcs.Diff) (map[string]bool, error) {
	files, err := d.Files()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, f := range files {
		if f.IsDelete {
			out[vcs.FilePath(f)] = true
		}
	}
	return out, nil
}
