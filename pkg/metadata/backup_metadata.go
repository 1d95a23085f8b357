package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
)

const (
	// TimeFormat - timestamp layout used in backup documents
	TimeFormat = "2006-01-02 15:04:05 -0700"
	// BackupMetadataFileName - file name of the backup document inside the backup prefix
	BackupMetadataFileName = "backup_struct.json"
	// BackupLightMetadataFileName - file name of the light document without the part catalog
	BackupLightMetadataFileName = "backup_light_struct.json"
)

// BackupState - lifecycle state of a backup
type BackupState string

const (
	BackupStateCreating         BackupState = "creating"
	BackupStateCreated          BackupState = "created"
	BackupStateFailed           BackupState = "failed"
	BackupStateDeleting         BackupState = "deleting"
	BackupStatePartiallyDeleted BackupState = "partially_deleted"
)

// UnmarshalJSON collapses unknown or torn state strings to `failed` so that a
// fresh process always observes one of the five lifecycle states.
func (s *BackupState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		*s = BackupStateFailed
		return nil
	}
	switch BackupState(raw) {
	case BackupStateCreating, BackupStateCreated, BackupStateFailed, BackupStateDeleting, BackupStatePartiallyDeleted:
		*s = BackupState(raw)
	default:
		*s = BackupStateFailed
	}
	return nil
}

// Sources - source kinds included into a backup
type Sources struct {
	Data             bool `json:"data"`
	Access           bool `json:"access"`
	UDF              bool `json:"udf"`
	NamedCollections bool `json:"named_collections"`
	Schema           bool `json:"schema"`
}

// SchemasIncluded returns true if the backup carries database and table DDL.
func (s Sources) SchemasIncluded() bool {
	return s.Schema || s.Data
}

// Everything returns source set for a full backup.
func Everything() Sources {
	return Sources{Data: true, Access: true, UDF: true, NamedCollections: true, Schema: true}
}

// SchemaOnly returns source set for a schema-only backup.
func SchemaOnly() Sources {
	return Sources{Schema: true}
}

// CloudStorageMetadata - metadata of object-storage (S3-backed) disks included into a backup
type CloudStorageMetadata struct {
	Encryption bool     `json:"encryption"`
	Disks      []string `json:"disks"`
}

// Enabled returns true if the backup has data on object-storage disks.
func (c *CloudStorageMetadata) Enabled() bool {
	return len(c.Disks) > 0
}

// AccessControlMetadata - identifiers of backed up access control objects
type AccessControlMetadata struct {
	IDs []string `json:"acl_ids,omitempty"`
}

type backupMeta struct {
	Name              string            `json:"name"`
	Path              string            `json:"path"`
	Version           string            `json:"version"`
	CHVersion         string            `json:"ch_version"`
	Hostname          string            `json:"hostname"`
	TimeFormat        string            `json:"time_format"`
	StartTime         string            `json:"start_time"`
	EndTime           string            `json:"end_time,omitempty"`
	Bytes             uint64            `json:"bytes"`
	RealBytes         uint64            `json:"real_bytes"`
	State             BackupState       `json:"state"`
	Labels            map[string]string `json:"labels,omitempty"`
	SchemaOnly        bool              `json:"schema_only"`
	Encrypted         bool              `json:"encrypted"`
	Sources           Sources           `json:"sources"`
	FailReason        string            `json:"fail_reason,omitempty"`
	DiskRevisions     map[string]uint64 `json:"s3_revisions,omitempty"`
	CompressionCodecs []string          `json:"codecs,omitempty"`
}

// BackupMetadata - the backup document stored as backup_struct.json
type BackupMetadata struct {
	Name          string
	Path          string
	Version       string
	CHVersion     string
	Hostname      string
	StartTime     time.Time
	EndTime       time.Time
	Bytes         uint64
	RealBytes     uint64
	State         BackupState
	Labels        map[string]string
	SchemaOnly    bool
	Encrypted     bool
	Sources       Sources
	FailReason    string
	DiskRevisions map[string]uint64
	Codecs        []string

	Databases        map[string]*DatabaseMetadata
	AccessControl    AccessControlMetadata
	UDFs             []string
	NamedCollections []string
	CloudStorage     CloudStorageMetadata
}

type backupDocument struct {
	Databases        map[string]*DatabaseMetadata `json:"databases"`
	AccessControls   AccessControlMetadata        `json:"access_controls"`
	UDFs             []string                     `json:"user_defined_functions"`
	NamedCollections []string                     `json:"named_collections,omitempty"`
	CloudStorage     CloudStorageMetadata         `json:"cloud_storage"`
	Meta             backupMeta                   `json:"meta"`
}

// NewBackupMetadata - create document for a backup that just entered `creating`
func NewBackupMetadata(name, path, version, chVersion, hostname string, labels map[string]string, sources Sources, encrypted bool) *BackupMetadata {
	return &BackupMetadata{
		Name:          name,
		Path:          path,
		Version:       version,
		CHVersion:     chVersion,
		Hostname:      hostname,
		StartTime:     time.Now().UTC(),
		State:         BackupStateCreating,
		Labels:        labels,
		SchemaOnly:    sources.Schema && !sources.Data,
		Encrypted:     encrypted,
		Sources:       sources,
		Databases:     map[string]*DatabaseMetadata{},
		DiskRevisions: map[string]uint64{},
	}
}

// AddDatabase - add database to the catalog, name must be unique
func (b *BackupMetadata) AddDatabase(db DatabaseMetadata) error {
	if b.Databases == nil {
		b.Databases = map[string]*DatabaseMetadata{}
	}
	if _, exists := b.Databases[db.Name]; exists {
		return fmt.Errorf("database `%s` already present in backup", db.Name)
	}
	dbCopy := db
	if dbCopy.Tables == nil {
		dbCopy.Tables = map[string]*TableMetadata{}
	}
	b.Databases[db.Name] = &dbCopy
	return nil
}

// GetDatabases - database names in deterministic order
func (b *BackupMetadata) GetDatabases() []string {
	names := make([]string, 0, len(b.Databases))
	for name := range b.Databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddTable - add table to the catalog, (database, name) must be unique
func (b *BackupMetadata) AddTable(table TableMetadata) error {
	db, exists := b.Databases[table.Database]
	if !exists {
		return fmt.Errorf("database `%s` not present in backup", table.Database)
	}
	if _, exists := db.Tables[table.Name]; exists {
		return fmt.Errorf("table `%s`.`%s` already present in backup", table.Database, table.Name)
	}
	tableCopy := table
	if tableCopy.Parts == nil {
		tableCopy.Parts = map[string]*PartMetadata{}
	}
	db.Tables[table.Name] = &tableCopy
	for _, part := range tableCopy.Parts {
		b.accountPart(part, 1)
	}
	return nil
}

// GetTables - tables of a database in deterministic order
func (b *BackupMetadata) GetTables(dbName string) []*TableMetadata {
	db, exists := b.Databases[dbName]
	if !exists {
		return nil
	}
	names := make([]string, 0, len(db.Tables))
	for name := range db.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	tables := make([]*TableMetadata, len(names))
	for i, name := range names {
		tables[i] = db.Tables[name]
	}
	return tables
}

// AddPart - append part descriptor to the catalog; (database, table, part)
// must be unique within the backup
func (b *BackupMetadata) AddPart(part PartMetadata) error {
	db, exists := b.Databases[part.Database]
	if !exists {
		return fmt.Errorf("database `%s` not present in backup", part.Database)
	}
	table, exists := db.Tables[part.Table]
	if !exists {
		return fmt.Errorf("table `%s`.`%s` not present in backup", part.Database, part.Table)
	}
	if _, exists := table.Parts[part.Name]; exists {
		return fmt.Errorf("part `%s` of `%s`.`%s` already present in backup", part.Name, part.Database, part.Table)
	}
	partCopy := part
	table.Parts[part.Name] = &partCopy
	b.accountPart(&partCopy, 1)
	return nil
}

// RemoveParts - drop part descriptors from the catalog
func (b *BackupMetadata) RemoveParts(dbName, tableName string, parts []*PartMetadata) {
	db, exists := b.Databases[dbName]
	if !exists {
		return
	}
	table, exists := db.Tables[tableName]
	if !exists {
		return
	}
	for _, part := range parts {
		if _, exists := table.Parts[part.Name]; exists {
			delete(table.Parts, part.Name)
			b.accountPart(part, -1)
		}
	}
}

// FindPart - lookup part descriptor, nil when absent
func (b *BackupMetadata) FindPart(dbName, tableName, partName string) *PartMetadata {
	db, exists := b.Databases[dbName]
	if !exists {
		return nil
	}
	table, exists := db.Tables[tableName]
	if !exists {
		return nil
	}
	return table.Parts[partName]
}

// GetParts - all part descriptors of the backup in deterministic order
func (b *BackupMetadata) GetParts() []*PartMetadata {
	var parts []*PartMetadata
	for _, dbName := range b.GetDatabases() {
		for _, table := range b.GetTables(dbName) {
			parts = append(parts, table.GetParts()...)
		}
	}
	return parts
}

// DataCount - number of parts with own artifacts
func (b *BackupMetadata) DataCount() int {
	count := 0
	for _, part := range b.GetParts() {
		if part.Link == nil {
			count++
		}
	}
	return count
}

// LinkCount - number of deduplicated parts
func (b *BackupMetadata) LinkCount() int {
	count := 0
	for _, part := range b.GetParts() {
		if part.Link != nil {
			count++
		}
	}
	return count
}

// IsEmpty returns true if backup has no data.
func (b *BackupMetadata) IsEmpty() bool {
	return b.Bytes == 0
}

func (b *BackupMetadata) accountPart(part *PartMetadata, sign int64) {
	if sign > 0 {
		b.Bytes += part.Bytes
		if part.Link == nil {
			b.RealBytes += part.Bytes
		}
	} else {
		b.Bytes -= part.Bytes
		if part.Link == nil {
			b.RealBytes -= part.Bytes
		}
	}
}

// SetEndTime - stamp the end of the operation
func (b *BackupMetadata) SetEndTime() {
	b.EndTime = time.Now().UTC()
}

// MarshalJSON serializes the full backup document.
func (b *BackupMetadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.dump(false))
}

// DumpLight serializes the document without the part catalog and payload
// sections. Listing many backups stays cheap as only light documents are
// fetched until the catalog is really needed.
func (b *BackupMetadata) DumpLight() ([]byte, error) {
	return json.Marshal(b.dump(true))
}

func (b *BackupMetadata) dump(light bool) backupDocument {
	doc := backupDocument{
		Databases:    map[string]*DatabaseMetadata{},
		CloudStorage: b.CloudStorage,
		Meta: backupMeta{
			Name:              b.Name,
			Path:              b.Path,
			Version:           b.Version,
			CHVersion:         b.CHVersion,
			Hostname:          b.Hostname,
			TimeFormat:        TimeFormat,
			StartTime:         b.StartTime.Format(TimeFormat),
			Bytes:             b.Bytes,
			RealBytes:         b.RealBytes,
			State:             b.State,
			Labels:            b.Labels,
			SchemaOnly:        b.SchemaOnly,
			Encrypted:         b.Encrypted,
			Sources:           b.Sources,
			FailReason:        b.FailReason,
			DiskRevisions:     b.DiskRevisions,
			CompressionCodecs: b.Codecs,
		},
	}
	if !b.EndTime.IsZero() {
		doc.Meta.EndTime = b.EndTime.Format(TimeFormat)
	}
	if !light {
		doc.Databases = b.Databases
		doc.AccessControls = b.AccessControl
		doc.UDFs = b.UDFs
		doc.NamedCollections = b.NamedCollections
	}
	return doc
}

// UnmarshalJSON deserializes a backup document, tolerating documents written
// by older versions (missing engine or metadata_path fields).
func (b *BackupMetadata) UnmarshalJSON(data []byte) error {
	var doc backupDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.Wrap(err, "can't parse backup document")
	}
	loaded, err := fromDocument(&doc)
	if err != nil {
		return err
	}
	*b = *loaded
	return nil
}

func fromDocument(doc *backupDocument) (*BackupMetadata, error) {
	meta := doc.Meta
	if meta.Name == "" {
		return nil, errors.New("invalid backup document: empty name")
	}
	timeFormat := meta.TimeFormat
	if timeFormat == "" {
		timeFormat = TimeFormat
	}
	b := &BackupMetadata{
		Name:             meta.Name,
		Path:             meta.Path,
		Version:          meta.Version,
		CHVersion:        meta.CHVersion,
		Hostname:         meta.Hostname,
		Bytes:            meta.Bytes,
		RealBytes:        meta.RealBytes,
		State:            meta.State,
		Labels:           meta.Labels,
		SchemaOnly:       meta.SchemaOnly,
		Encrypted:        meta.Encrypted,
		Sources:          meta.Sources,
		FailReason:       meta.FailReason,
		DiskRevisions:    meta.DiskRevisions,
		Codecs:           meta.CompressionCodecs,
		Databases:        doc.Databases,
		AccessControl:    doc.AccessControls,
		UDFs:             doc.UDFs,
		NamedCollections: doc.NamedCollections,
		CloudStorage:     doc.CloudStorage,
	}
	if b.Databases == nil {
		b.Databases = map[string]*DatabaseMetadata{}
	}
	for dbName, db := range b.Databases {
		db.Name = dbName
		if db.Tables == nil {
			db.Tables = map[string]*TableMetadata{}
		}
		// Older documents carry no database engine, derive it from DDL.
		if db.Engine == "" && db.CreateStatement != "" {
			db.Engine = EngineFromCreateStatement(db.CreateStatement)
		}
		for tableName, table := range db.Tables {
			table.Database = dbName
			table.Name = tableName
			if table.Engine == "" && table.CreateStatement != "" {
				table.Engine = EngineFromCreateStatement(table.CreateStatement)
			}
			if table.Parts == nil {
				table.Parts = map[string]*PartMetadata{}
			}
			for partName, part := range table.Parts {
				part.Database = dbName
				part.Table = tableName
				part.Name = partName
				if part.DiskName == "" {
					part.DiskName = "default"
				}
			}
		}
	}
	var err error
	if b.StartTime, err = parseDocumentTime(meta.StartTime, timeFormat); err != nil {
		return nil, errors.Wrap(err, "invalid backup document: bad start_time")
	}
	if meta.EndTime != "" {
		if b.EndTime, err = parseDocumentTime(meta.EndTime, timeFormat); err != nil {
			return nil, errors.Wrap(err, "invalid backup document: bad end_time")
		}
	}
	return b, nil
}

func parseDocumentTime(value, format string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(format, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Save - write document to local file, used by restore context snapshots
func (b *BackupMetadata) Save(location string) error {
	body, err := json.MarshalIndent(b, "", "\t")
	if err != nil {
		return fmt.Errorf("can't marshal backup metadata: %v", err)
	}
	return os.WriteFile(location, body, 0640)
}
