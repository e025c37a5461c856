// Package view implements the View State & Tree (spec.md §4.2, C2) and the
// View Arbitrator (spec.md §4.3, C3) as a single package: the data model
// names them as tightly coupled (the Arbitrator's global maps ARE the
// tree's auxiliary sets, spec.md §3 "Global maps"), and spec.md §5 assigns
// both to the same single-writer owner. Grounded in shape on the teacher's
// mutex-guarded state machines (internal/distributed/cluster.go,
// internal/circuit/breaker.go) and in algorithm on
// original_source/extensions/view-fs-forest and the view-fs test suite
// (test_tombstone_boundaries.py, test_suspect_logic.py, ...).
package view

import "time"

// FileNode is a leaf entity in the tree (spec.md §3 "Node").
type FileNode struct {
	Path             string
	ModifiedTime     float64
	Size             int64
	LastUpdatedAt    time.Time
	IntegritySuspect bool
}

// DirectoryNode is an interior entity carrying a name-keyed child map.
type DirectoryNode struct {
	Path             string
	ModifiedTime     float64
	Size             int64
	LastUpdatedAt    time.Time
	IntegritySuspect bool
	Children         map[string]string // child name -> child path
}

// Node is the read-only view of either node kind, used by callers (e.g.
// internal/viewmount) that don't need to distinguish file vs directory.
type Node interface {
	NodePath() string
	NodeModifiedTime() float64
	NodeSize() int64
	NodeLastUpdatedAt() time.Time
	NodeIsDirectory() bool
	NodeIntegritySuspect() bool
}

func (f *FileNode) NodePath() string              { return f.Path }
func (f *FileNode) NodeModifiedTime() float64      { return f.ModifiedTime }
func (f *FileNode) NodeSize() int64                { return f.Size }
func (f *FileNode) NodeLastUpdatedAt() time.Time   { return f.LastUpdatedAt }
func (f *FileNode) NodeIsDirectory() bool          { return false }
func (f *FileNode) NodeIntegritySuspect() bool     { return f.IntegritySuspect }

func (d *DirectoryNode) NodePath() string            { return d.Path }
func (d *DirectoryNode) NodeModifiedTime() float64   { return d.ModifiedTime }
func (d *DirectoryNode) NodeSize() int64             { return d.Size }
func (d *DirectoryNode) NodeLastUpdatedAt() time.Time { return d.LastUpdatedAt }
func (d *DirectoryNode) NodeIsDirectory() bool       { return true }
func (d *DirectoryNode) NodeIntegritySuspect() bool  { return d.IntegritySuspect }

// Tombstone is a marker asserting a path was deleted (GLOSSARY).
type Tombstone struct {
	LogicalTS  time.Time
	PhysicalTS time.Time
}

// SuspectEntry tracks a node whose freshness is unverified (GLOSSARY).
type SuspectEntry struct {
	ExpiryMono    time.Time
	RecordedMTime float64
}

const rootPath = "/"

// splitPath returns the parent path and base name of path. The root's
// parent is itself (callers must special-case root before calling this).
func splitPath(path string) (parent, name string) {
	if path == rootPath {
		return rootPath, rootPath
	}
	trimmed := path
	for len(trimmed) > 1 && trimmed[len(trimmed)-1] == '/' {
		trimmed = trimmed[:len(trimmed)-1]
	}
	idx := -1
	for i := len(trimmed) - 1; i >= 0; i-- {
		if trimmed[i] == '/' {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return rootPath, trimmed[idx+1:]
	}
	return trimmed[:idx], trimmed[idx+1:]
}
