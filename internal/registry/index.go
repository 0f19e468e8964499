// Package registry reads the git-backed registry index. The index is a git
// repository in which each file holds one JSON record per line, one line per
// published release. Synchronization diffs two index commits to discover
// what changed.
package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Record is one release line in an index file.
type Record struct {
	Name         string          `json:"name"`
	Version      string          `json:"vers"`
	Yanked       bool            `json:"yanked"`
	IsLibrary    *bool           `json:"lib,omitempty"`
	Targets      []string        `json:"targets,omitempty"`
	Dependencies json.RawMessage `json:"deps,omitempty"`
}

// Library reports whether the release builds documentation. Index lines
// written before the flag existed count as libraries.
func (r Record) Library() bool {
	return r.IsLibrary == nil || *r.IsLibrary
}

// YankChange is a release whose yanked flag flipped between two commits.
type YankChange struct {
	Name    string
	Version string
	Yanked  bool
}

// Ref names a release without metadata.
type Ref struct {
	Name    string
	Version string
}

// ChangeSet is everything that changed between two index commits.
type ChangeSet struct {
	Added           []Record
	YankChanges     []YankChange
	DeletedReleases []Ref
	DeletedPackages []string
}

// Empty reports whether the diff carried no changes.
func (c *ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.YankChanges) == 0 &&
		len(c.DeletedReleases) == 0 && len(c.DeletedPackages) == 0
}

// Index is a local clone of the registry index repository.
type Index struct {
	path string
	url  string
	repo *git.Repository
}

// Open opens the index clone at path, cloning from url first when the path
// holds no repository yet.
func Open(path, url string) (*Index, error) {
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if url == "" {
			return nil, fmt.Errorf("open index %s: no repository and no index url configured", path)
		}
		repo, err = git.PlainClone(path, false, &git.CloneOptions{URL: url})
		if err != nil {
			return nil, fmt.Errorf("clone index from %s: %w", url, err)
		}
		return &Index{path: path, url: url, repo: repo}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	return &Index{path: path, url: url, repo: repo}, nil
}

// Path returns the clone's filesystem path.
func (i *Index) Path() string { return i.path }

// Refresh pulls the latest index commits from the remote. Already up to
// date is not an error. Indexes opened without a remote are left alone.
func (i *Index) Refresh(ctx context.Context) error {
	if i.url == "" {
		return nil
	}
	worktree, err := i.repo.Worktree()
	if err != nil {
		return fmt.Errorf("index worktree: %w", err)
	}
	err = worktree.PullContext(ctx, &git.PullOptions{RemoteName: "origin"})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pull index: %w", err)
	}
	return nil
}

// Head returns the current head commit hash.
func (i *Index) Head() (string, error) {
	head, err := i.repo.Head()
	if err != nil {
		return "", fmt.Errorf("index head: %w", err)
	}
	return head.Hash().String(), nil
}

// RunGC repacks the clone's object store. The index accumulates loose
// objects quickly under frequent pulls.
func (i *Index) RunGC() error {
	if err := i.repo.RepackObjects(&git.RepackConfig{}); err != nil {
		return fmt.Errorf("repack index: %w", err)
	}
	return nil
}

// Diff computes the changes between the lastSeen commit and the current
// head. An empty lastSeen is an error: the caller must baseline the
// checkpoint first, otherwise every release ever published would be
// re-enqueued.
func (i *Index) Diff(ctx context.Context, lastSeen string) (*ChangeSet, string, error) {
	if lastSeen == "" {
		return nil, "", errors.New("diff index: empty checkpoint")
	}

	headHash, err := i.Head()
	if err != nil {
		return nil, "", err
	}
	if headHash == lastSeen {
		return &ChangeSet{}, headHash, nil
	}

	oldTree, err := i.commitTree(lastSeen)
	if err != nil {
		return nil, "", err
	}
	newTree, err := i.commitTree(headHash)
	if err != nil {
		return nil, "", err
	}

	changes, err := object.DiffTreeWithOptions(ctx, oldTree, newTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, "", fmt.Errorf("diff index trees: %w", err)
	}

	set := &ChangeSet{}
	for _, change := range changes {
		name := change.To.Name
		if name == "" {
			name = change.From.Name
		}
		if !isIndexFile(name) {
			continue
		}

		oldRecords, err := treeRecords(oldTree, change.From.Name)
		if err != nil {
			return nil, "", err
		}
		newRecords, err := treeRecords(newTree, change.To.Name)
		if err != nil {
			return nil, "", err
		}
		applyFileDiff(set, oldRecords, newRecords)
	}
	return set, headHash, nil
}

func (i *Index) commitTree(hash string) (*object.Tree, error) {
	commit, err := i.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return nil, fmt.Errorf("lookup index commit %s: %w", hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("index commit tree %s: %w", hash, err)
	}
	return tree, nil
}

// applyFileDiff folds the per-file difference into the change set. Records
// are keyed by version; index files never mix package names.
func applyFileDiff(set *ChangeSet, oldRecords, newRecords map[string]Record) {
	for version, record := range newRecords {
		old, existed := oldRecords[version]
		if !existed {
			set.Added = append(set.Added, record)
			continue
		}
		if old.Yanked != record.Yanked {
			set.YankChanges = append(set.YankChanges, YankChange{
				Name:    record.Name,
				Version: version,
				Yanked:  record.Yanked,
			})
		}
	}

	var deletedName string
	for version, record := range oldRecords {
		if _, kept := newRecords[version]; !kept {
			set.DeletedReleases = append(set.DeletedReleases, Ref{Name: record.Name, Version: version})
			deletedName = record.Name
		}
	}
	if len(newRecords) == 0 && len(oldRecords) > 0 {
		set.DeletedPackages = append(set.DeletedPackages, deletedName)
	}
}

// treeRecords parses the named index file from a tree into version-keyed
// records. A missing file (added or deleted on the other side) yields an
// empty map.
func treeRecords(tree *object.Tree, name string) (map[string]Record, error) {
	records := map[string]Record{}
	if name == "" {
		return records, nil
	}
	file, err := tree.File(name)
	if errors.Is(err, object.ErrFileNotFound) {
		return records, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index file %s: %w", name, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("read index file %s: %w", name, err)
	}

	scanner := bufio.NewScanner(strings.NewReader(contents))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, fmt.Errorf("parse index line in %s: %w", name, err)
		}
		records[record.Version] = record
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan index file %s: %w", name, err)
	}
	return records, nil
}

// isIndexFile filters out repository metadata that lives alongside the
// package files.
func isIndexFile(name string) bool {
	if name == "" || name == "config.json" {
		return false
	}
	base := name
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		base = name[idx+1:]
	}
	return !strings.HasPrefix(name, ".") && !strings.HasPrefix(base, ".")
}
