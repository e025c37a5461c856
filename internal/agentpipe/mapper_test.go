package agentpipe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/objectfs/fustor/pkg/wire"
)

func TestEventMapperHardcodedAndSource(t *testing.T) {
	m := NewEventMapper([]MappingRule{
		{To: "path", Source: []string{"full_path"}},
		{To: "size", Source: []string{"nbytes:integer"}},
		{To: "event_schema", HardcodedValue: "fs"},
	})

	row := wire.Row{"full_path": "/a/b", "nbytes": "1024"}
	out := m.Process(row)

	assert.Equal(t, "/a/b", out["path"])
	assert.Equal(t, 1024, out["size"])
	assert.Equal(t, "fs", out["event_schema"])
}

func TestEventMapperPassthroughWhenUnconfigured(t *testing.T) {
	m := NewEventMapper(nil)
	row := wire.Row{"path": "/a"}
	assert.Equal(t, row, m.Process(row))
}

func TestEventMapperDottedTarget(t *testing.T) {
	m := NewEventMapper([]MappingRule{
		{To: "meta.owner", HardcodedValue: "agent-1"},
	})
	out := m.Process(wire.Row{})
	meta, ok := out["meta"].(wire.Row)
	if assert.True(t, ok) {
		assert.Equal(t, "agent-1", meta["owner"])
	}
}
