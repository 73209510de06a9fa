package models

// NodeKind distinguishes files from folders in a drive listing.
type NodeKind string

const (
	NodeFile   NodeKind = "file"
	NodeFolder NodeKind = "folder"
)

// FileNode is one entry of a drive tree listing. Folder nodes carry their
// children plus cumulative counts for convertible-format descendants, so the
// client can show per-folder totals without walking the tree again. The tree
// is built once per fetch and read-only afterwards.
type FileNode struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Kind        NodeKind    `json:"kind"`
	Size        int64       `json:"size"`
	Path        string      `json:"path"`
	Children    []*FileNode `json:"children,omitempty"`
	Convertible bool        `json:"is_convertible"`

	// Cumulative over convertible descendants; zero for plain files.
	ConvertibleCount int   `json:"vob_count"`
	ConvertibleSize  int64 `json:"vob_size"`
}

// Estimate is the derived cost/time projection for a set of convertible
// files. It is recomputed from authoritative sizes at admission; the preview
// and admission values are identical by construction.
type Estimate struct {
	TotalSizeBytes   int64   `json:"total_size_bytes"`
	TotalSizeGB      float64 `json:"total_size_gb"`
	EstimatedMinutes int     `json:"estimated_minutes"`
	CostCents        Cents   `json:"estimated_cost_cents"`
	Cost             float64 `json:"estimated_cost"`
}
