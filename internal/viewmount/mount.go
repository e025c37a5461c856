// Package viewmount implements the View Mount (SPEC_FULL.md §B.1): a
// read-only FUSE projection of a Fusion view's directory tree (spec.md §4.2,
// C2), so an operator can `ls`/`stat` the arbitrated view without a custom
// client. Grounded in shape on the teacher's FUSE adapter
// (internal/fuse/filesystem.go, mount.go), which serves Lookup/Readdir/
// Getattr from an S3 backend; here they are served from view.View's
// GetNode/ChildrenOf instead, and every write path returns syscall.EROFS
// since the view has no content bytes to back a write.
package viewmount

import (
	"context"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/objectfs/fustor/internal/logging"
	"github.com/objectfs/fustor/internal/view"
)

const rootPath = "/"

// Config carries the mount-time options this projection actually uses. It
// deliberately has none of the teacher's performance-tuning knobs
// (ReadAhead, WriteBuffer, Concurrency, ...): there is no content plane to
// tune.
type Config struct {
	MountPoint   string        `yaml:"mount_point"`
	AllowOther   bool          `yaml:"allow_other"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// DefaultConfig returns sane attribute cache timeouts for a view that can
// change on every ingested batch.
func DefaultConfig(mountPoint string) *Config {
	return &Config{
		MountPoint:   mountPoint,
		AttrTimeout:  time.Second,
		EntryTimeout: time.Second,
	}
}

// FileSystem is the root of a view's FUSE projection.
type FileSystem struct {
	view   *view.View
	config *Config
}

// NewFileSystem builds a read-only FUSE filesystem over v.
func NewFileSystem(v *view.View, config *Config) *FileSystem {
	if config == nil {
		config = DefaultConfig("")
	}
	return &FileSystem{view: v, config: config}
}

// Root returns the root inode, a directory node rooted at "/".
func (f *FileSystem) Root() fs.InodeEmbedder {
	return &dirNode{fs: f, path: rootPath}
}

// dirNode projects a view.DirectoryNode.
type dirNode struct {
	fs.Inode
	fs   *FileSystem
	path string
}

var (
	_ fs.NodeLookuper  = (*dirNode)(nil)
	_ fs.NodeReaddirer = (*dirNode)(nil)
	_ fs.NodeGetattrer = (*dirNode)(nil)
	_ fs.NodeMkdirer   = (*dirNode)(nil)
	_ fs.NodeCreater   = (*dirNode)(nil)
	_ fs.NodeUnlinker  = (*dirNode)(nil)
	_ fs.NodeRmdirer   = (*dirNode)(nil)
)

func (n *dirNode) childPath(name string) string {
	if n.path == rootPath {
		return rootPath + name
	}
	return n.path + "/" + name
}

// Lookup resolves name under this directory against the view's current
// snapshot (spec.md §4.2's file_path_map / directory_path_map).
func (n *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := n.childPath(name)
	node, ok := n.fs.view.GetNode(childPath)
	if !ok {
		return nil, syscall.ENOENT
	}
	fillAttr(&out.Attr, node)
	return n.newChildInode(ctx, childPath, node), 0
}

// Readdir lists this directory's direct children.
func (n *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	children := n.fs.view.ChildrenOf(n.path)
	entries := make([]fuse.DirEntry, 0, len(children))
	for _, childPath := range children {
		node, ok := n.fs.view.GetNode(childPath)
		if !ok {
			continue
		}
		mode := uint32(fuse.S_IFREG)
		if node.NodeIsDirectory() {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: path.Base(childPath), Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

// Getattr reports this directory's own attributes.
func (n *dirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	node, ok := n.fs.view.GetNode(n.path)
	if !ok {
		return syscall.ENOENT
	}
	fillAttr(&out.Attr, node)
	return 0
}

func (n *dirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.EROFS
}

func (n *dirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, syscall.EROFS
}

func (n *dirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (n *dirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (n *dirNode) newChildInode(ctx context.Context, childPath string, node view.Node) *fs.Inode {
	if node.NodeIsDirectory() {
		return n.NewInode(ctx, &dirNode{fs: n.fs, path: childPath}, fs.StableAttr{Mode: fuse.S_IFDIR})
	}
	return n.NewInode(ctx, &fileNode{fs: n.fs, path: childPath}, fs.StableAttr{Mode: fuse.S_IFREG})
}

// fileNode projects a view.FileNode. It serves stat metadata only; the view
// carries no content bytes, so any read returns syscall.ENOSYS rather than
// fabricated data.
type fileNode struct {
	fs.Inode
	fs   *FileSystem
	path string
}

var (
	_ fs.NodeGetattrer = (*fileNode)(nil)
	_ fs.NodeOpener    = (*fileNode)(nil)
	_ fs.NodeSetattrer = (*fileNode)(nil)
)

func (n *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	node, ok := n.fs.view.GetNode(n.path)
	if !ok {
		return syscall.ENOENT
	}
	fillAttr(&out.Attr, node)
	return 0
}

func (n *fileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	return syscall.EROFS
}

// Open refuses any write intent outright and returns ENOSYS for read
// intent: the view has no backing content store to read bytes from, only
// the metadata Getattr already exposed.
func (n *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_CREAT|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, 0, syscall.ENOSYS
}

func fillAttr(out *fuse.Attr, node view.Node) {
	out.Mode = 0444
	if node.NodeIsDirectory() {
		out.Mode |= syscall.S_IFDIR | 0111
	} else {
		out.Mode |= syscall.S_IFREG
	}
	out.Size = uint64SafeCast(node.NodeSize())
	unixTime := node.NodeLastUpdatedAt().Unix()
	mtime := uint64SafeCast(unixTime)
	out.Mtime = mtime
	out.Atime = mtime
	out.Ctime = mtime
}

func uint64SafeCast(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// MountManager wraps go-fuse/v2's server lifecycle for a view's projection,
// mirroring the teacher's internal/fuse.MountManager but without any of its
// write-path tuning options.
type MountManager struct {
	filesystem *FileSystem
	config     *Config
	server     *fuse.Server
	log        *logging.Logger
}

func NewMountManager(filesystem *FileSystem, config *Config) *MountManager {
	if config == nil {
		config = filesystem.config
	}
	return &MountManager{
		filesystem: filesystem,
		config:     config,
		log:        logging.New(logging.DefaultConfig()).Component("viewmount"),
	}
}

// Mount mounts the projection read-only at config.MountPoint.
func (m *MountManager) Mount() error {
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: m.config.AllowOther,
			FsName:     "fustor-view",
			Name:       "viewmount",
		},
		AttrTimeout:  &m.config.AttrTimeout,
		EntryTimeout: &m.config.EntryTimeout,
	}
	opts.Options = append(opts.Options, "ro")
	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), opts)
	if err != nil {
		return err
	}
	m.server = server
	go func() {
		m.server.Wait()
		m.log.Info("view mount stopped", logging.F("mount_point", m.config.MountPoint))
	}()
	return nil
}

// Unmount tears down the FUSE server.
func (m *MountManager) Unmount() error {
	if m.server == nil {
		return nil
	}
	err := m.server.Unmount()
	m.server = nil
	return err
}
