package metadata

import (
	"regexp"
	"sort"
	"strings"
)

// DatabaseMetadata - descriptor of one database inside the backup catalog
type DatabaseMetadata struct {
	Name            string                    `json:"-"`
	Engine          string                    `json:"engine,omitempty"`
	MetadataPath    string                    `json:"metadata_path,omitempty"`
	UUID            string                    `json:"uuid,omitempty"`
	CreateStatement string                    `json:"create_statement,omitempty"`
	Tables          map[string]*TableMetadata `json:"tables"`
}

// TableMetadata - descriptor of one table inside the backup catalog
type TableMetadata struct {
	Database        string                   `json:"-"`
	Name            string                   `json:"-"`
	Engine          string                   `json:"engine"`
	UUID            string                   `json:"uuid,omitempty"`
	CreateStatement string                   `json:"create_statement"`
	InnerTable      string                   `json:"inner_table,omitempty"`
	Parts           map[string]*PartMetadata `json:"parts"`
}

// GetParts - part descriptors sorted by partition then min block so attach
// order is stable for Replacing and Collapsing engines
func (t *TableMetadata) GetParts() []*PartMetadata {
	parts := make([]*PartMetadata, 0, len(t.Parts))
	for _, part := range t.Parts {
		parts = append(parts, part)
	}
	SortPartsByMinBlock(parts)
	return parts
}

// SortPartsByMinBlock orders parts by (partition id, min block number).
func SortPartsByMinBlock(parts []*PartMetadata) {
	sort.Slice(parts, func(i, j int) bool {
		namePartsI := strings.SplitN(parts[i].Name, "_", 3)
		namePartsJ := strings.SplitN(parts[j].Name, "_", 3)
		if namePartsI[0] != namePartsJ[0] {
			return namePartsI[0] < namePartsJ[0]
		}
		if len(namePartsI) < 2 || len(namePartsJ) < 2 {
			return parts[i].Name < parts[j].Name
		}
		minBlockI := namePartsI[1]
		minBlockJ := namePartsJ[1]
		if len(minBlockI) != len(minBlockJ) {
			return len(minBlockI) < len(minBlockJ)
		}
		return minBlockI < minBlockJ
	})
}

// IsMergeTreeEngine returns true for MergeTree-family engines, the only ones
// with data parts to back up.
func IsMergeTreeEngine(engine string) bool {
	return strings.HasSuffix(engine, "MergeTree")
}

// IsReplicatedEngine returns true for Replicated*MergeTree engines.
func IsReplicatedEngine(engine string) bool {
	return strings.HasPrefix(engine, "Replicated")
}

// IsViewEngine returns true for views and materialized views.
func IsViewEngine(engine string) bool {
	return engine == "View" || engine == "MaterializedView" || engine == "LiveView" || engine == "WindowView"
}

// IsDictionaryEngine returns true for dictionary tables.
func IsDictionaryEngine(engine string) bool {
	return engine == "Dictionary"
}

// IsExternalEngine returns true for engines whose data lives outside the
// server and is not backed up.
func IsExternalEngine(engine string) bool {
	switch engine {
	case "Kafka", "RabbitMQ", "NATS", "S3", "URL", "HDFS", "MySQL", "PostgreSQL", "ODBC", "JDBC", "ExternalDistributed":
		return true
	}
	return false
}

var createEngineRE = regexp.MustCompile(`(?i)\bENGINE\s*=\s*([A-Za-z]\w*)`)

// EngineFromCreateStatement extracts the engine name from DDL. Used for
// documents written by versions that did not store the engine explicitly.
func EngineFromCreateStatement(createStatement string) string {
	m := createEngineRE.FindStringSubmatch(createStatement)
	if m == nil {
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(createStatement)), "CREATE MATERIALIZED VIEW") {
			return "MaterializedView"
		}
		if strings.Contains(strings.ToUpper(createStatement), " VIEW ") {
			return "View"
		}
		return ""
	}
	return m[1]
}
