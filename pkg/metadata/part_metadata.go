package metadata

// StorageClass - where part data physically lives
type StorageClass string

const (
	StorageClassLocal         StorageClass = "local"
	StorageClassObjectStorage StorageClass = "object-storage"
)

// FileInfo - one file inside a packed part artifact
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// PartLink - reference to the backup owning the artifact of a deduplicated part
type PartLink struct {
	BackupName string `json:"backup"`
	Database   string `json:"database"`
	Table      string `json:"table"`
}

// PartMetadata - descriptor of one data part inside the backup catalog.
// Database, Table and Name are restored from the enclosing document keys on
// load and omitted from the serialized form.
type PartMetadata struct {
	Database     string       `json:"-"`
	Table        string       `json:"-"`
	Name         string       `json:"-"`
	Checksum     string       `json:"checksum"`
	Bytes        uint64       `json:"bytes"`
	RawBytes     uint64       `json:"raw_bytes,omitempty"`
	Files        []FileInfo   `json:"files"`
	Link         *PartLink    `json:"link,omitempty"`
	Tarball      bool         `json:"tarball"`
	DiskName     string       `json:"disk_name,omitempty"`
	StorageClass StorageClass `json:"storage_class,omitempty"`
	DiskRevision uint64       `json:"disk_revision,omitempty"`
}

// OwnerBackup returns the backup name the artifact belongs to: the link
// target for deduplicated parts, own backup otherwise.
func (p *PartMetadata) OwnerBackup(own string) string {
	if p.Link != nil {
		return p.Link.BackupName
	}
	return own
}
