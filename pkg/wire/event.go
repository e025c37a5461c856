// Package wire defines the transport-agnostic wire records exchanged between
// an Agent Pipe and a Fusion Pipe (spec.md §3, §6). These types are plain
// data: no transport, no authentication, no marshaling format is implied
// here — a concrete binding (HTTP/JSON, gRPC, ...) lives outside this
// module's scope.
package wire

// EventType is the kind of change a row represents.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// MessageSource identifies which of the three Agent-produced tiers an event
// came from (spec.md GLOSSARY: Snapshot / Message / Audit).
type MessageSource string

const (
	SourceRealtime MessageSource = "REALTIME"
	SourceSnapshot MessageSource = "SNAPSHOT"
	SourceAudit    MessageSource = "AUDIT"
)

// Event is the immutable wire record described in spec.md §3.
type Event struct {
	EventType     EventType         `json:"event_type"`
	EventSchema   string            `json:"event_schema"`
	Table         string            `json:"table"`
	Fields        []string          `json:"fields"`
	Rows          []Row             `json:"rows"`
	MessageSource MessageSource     `json:"message_source"`
	Index         int64             `json:"index"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Row is a generic, order-preserving field map for one affected entity.
// FS-schema events additionally satisfy the shape described by FSRow; Row
// itself stays schema-agnostic so non-"fs" event_schema values remain
// representable.
type Row map[string]any

// FSRow extracts the fields an "fs"/"files"|"dirs" row is required (and
// optionally allowed) to carry, per spec.md §3. Extraction is defensive:
// missing optional fields simply zero-value, callers check Has* fields for
// the optional ones that matter to a given code path.
type FSRow struct {
	Path           string
	ModifiedTime   float64
	Size           int64
	IsDirectory    bool
	FileName       string
	HasCreatedTime bool
	CreatedTime    float64
	HasParentPath  bool
	ParentPath     string
	HasParentMTime bool
	ParentMTime    float64
	HasAtomicWrite bool
	IsAtomicWrite  bool
}

// ParseFSRow decodes a generic Row into an FSRow. It returns false if the
// required "path" field is absent — callers should drop such rows as
// malformed rather than panic (spec.md §7: a single malformed event must
// never kill a view).
func ParseFSRow(r Row) (FSRow, bool) {
	path, ok := r["path"].(string)
	if !ok || path == "" {
		return FSRow{}, false
	}
	out := FSRow{Path: path}
	out.ModifiedTime = asFloat(r["modified_time"])
	out.Size = asInt64(r["size"])
	out.IsDirectory, _ = r["is_directory"].(bool)
	out.FileName, _ = r["file_name"].(string)

	if v, present := r["created_time"]; present {
		out.HasCreatedTime = true
		out.CreatedTime = asFloat(v)
	}
	if v, present := r["parent_path"]; present {
		if s, ok := v.(string); ok && s != "" {
			out.HasParentPath = true
			out.ParentPath = s
		}
	}
	if v, present := r["parent_mtime"]; present {
		out.HasParentMTime = true
		out.ParentMTime = asFloat(v)
	}
	if v, present := r["is_atomic_write"]; present {
		if b, ok := v.(bool); ok {
			out.HasAtomicWrite = true
			out.IsAtomicWrite = b
		}
	}
	return out, true
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// Metadata keys used by spec.md §3's optional event.metadata map.
const (
	MetaPipeID   = "pipe_id"
	MetaScanPath = "scan_path"
	MetaJobID    = "job_id"
	MetaPhase    = "phase"
	MetaFilename = "filename"
	MetaConfig   = "config_yaml"
)

// Phase values carried in Metadata[MetaPhase] for out-of-band signals sent
// alongside a (possibly empty) batch, per spec.md §4.6 and §6.
const (
	PhaseJobComplete  = "job_complete"
	PhaseConfigReport = "config_report"
)

// Batch is what an Agent Pipe sends to a Fusion Pipe per spec.md §6 ingest.
type Batch struct {
	Events     []Event           `json:"events"`
	SourceType MessageSource     `json:"source_type"`
	IsEnd      bool              `json:"is_end"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ScanCompleteBatch marks the special source_type=scan_complete ingest call
// that never touches the tree (spec.md §6, §4.6 "scan" command).
func ScanCompleteBatch(scanPath, jobID string) Batch {
	return Batch{
		SourceType: "scan_complete",
		IsEnd:      true,
		Metadata: map[string]string{
			MetaScanPath: scanPath,
			MetaJobID:    jobID,
		},
	}
}
