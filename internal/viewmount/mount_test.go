package viewmount

import (
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"

	"github.com/objectfs/fustor/internal/clock"
	"github.com/objectfs/fustor/internal/view"
)

func TestChildPathJoinsUnderRootWithoutDoubleSlash(t *testing.T) {
	root := &dirNode{path: rootPath}
	assert.Equal(t, "/a", root.childPath("a"))

	sub := &dirNode{path: "/a"}
	assert.Equal(t, "/a/b", sub.childPath("b"))
}

func TestFillAttrMarksDirectoriesExecutableAndFilesNot(t *testing.T) {
	v := view.New("v1", clock.New())
	v.UpdateNode("/dir", true, 1.0, 0, time.Unix(100, 0))
	v.UpdateNode("/dir/file", false, 2.0, 42, time.Unix(200, 0))

	dirN, ok := v.GetNode("/dir")
	assert.True(t, ok)
	var dirAttr fuse.Attr
	fillAttr(&dirAttr, dirN)
	assert.True(t, dirAttr.Mode&0111 != 0, "directories get the execute bit")

	fileN, ok := v.GetNode("/dir/file")
	assert.True(t, ok)
	var fileAttr fuse.Attr
	fillAttr(&fileAttr, fileN)
	assert.Equal(t, uint32(0), fileAttr.Mode&0111, "files get no execute bit")
	assert.Equal(t, uint64(42), fileAttr.Size)
	assert.Equal(t, uint64(200), fileAttr.Mtime)
}

func TestUint64SafeCastClampsNegative(t *testing.T) {
	assert.Equal(t, uint64(0), uint64SafeCast(-1))
	assert.Equal(t, uint64(5), uint64SafeCast(5))
}
