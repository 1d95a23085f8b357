// Package objectdisk reads and writes ClickHouse object-storage disk
// metadata files: the small local files that map a part file to the list of
// remote object keys holding its bytes. Restore rebuilds these files so a
// destination server picks up copied (or, for inplace restore, original)
// objects.
package objectdisk

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// MetadataVersion - on-disk format version, see
// ClickHouse src/Disks/ObjectStorages/DiskObjectStorageMetadata.h
type MetadataVersion uint32

const (
	VersionAbsolutePaths MetadataVersion = 1
	VersionRelativePath  MetadataVersion = 2
	VersionReadOnlyFlag  MetadataVersion = 3
	VersionInlineData    MetadataVersion = 4
)

// StorageObject - one remote object referenced by a metadata file
type StorageObject struct {
	ObjectSize         int64
	ObjectRelativePath string
}

// Metadata - parsed content of one object disk metadata file
type Metadata struct {
	Version        MetadataVersion
	TotalSize      int64
	StorageObjects []StorageObject
	RefCount       int
	ReadOnly       bool
	InlineData     string
	Path           string
}

func readIntText(scanner *bufio.Scanner) (int, error) {
	if !scanner.Scan() {
		return -1, errors.New("unexpected end of metadata file")
	}
	return strconv.Atoi(scanner.Text())
}

func readInt64Text(scanner *bufio.Scanner) (int64, error) {
	if !scanner.Scan() {
		return -1, errors.New("unexpected end of metadata file")
	}
	return strconv.ParseInt(scanner.Text(), 10, 64)
}

func readBoolText(scanner *bufio.Scanner) (bool, error) {
	value, err := readIntText(scanner)
	return value > 0, err
}

// ReadMetadata - parse a metadata file body
func ReadMetadata(body []byte) (*Metadata, error) {
	m := &Metadata{}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Split(bufio.ScanWords)

	version, err := readIntText(scanner)
	if err != nil {
		return nil, err
	}
	if version < int(VersionAbsolutePaths) || version > int(VersionInlineData) {
		return nil, fmt.Errorf("invalid object disk metadata version=%v", version)
	}
	m.Version = MetadataVersion(version)

	objectCount, err := readIntText(scanner)
	if err != nil {
		return nil, err
	}
	if m.TotalSize, err = readInt64Text(scanner); err != nil {
		return nil, err
	}
	for i := 0; i < objectCount; i++ {
		objectSize, err := readInt64Text(scanner)
		if err != nil {
			return nil, err
		}
		if !scanner.Scan() {
			return nil, errors.New("unexpected end of metadata file")
		}
		objectRelativePath := scanner.Text()
		if m.Version == VersionAbsolutePaths {
			// absolute paths only lose their leading slash
			objectRelativePath = strings.TrimPrefix(objectRelativePath, "/")
		}
		m.StorageObjects = append(m.StorageObjects, StorageObject{ObjectSize: objectSize, ObjectRelativePath: objectRelativePath})
	}
	if m.RefCount, err = readIntText(scanner); err != nil {
		return nil, err
	}
	if m.Version >= VersionReadOnlyFlag {
		if m.ReadOnly, err = readBoolText(scanner); err != nil {
			return nil, err
		}
	}
	if m.Version >= VersionInlineData {
		if scanner.Scan() {
			m.InlineData = scanner.Text()
		}
	}
	return m, nil
}

// ReadMetadataFromFile - parse a metadata file on disk
func ReadMetadataFromFile(path string) (*Metadata, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := ReadMetadata(body)
	if err != nil {
		return nil, errors.Wrapf(err, "can't parse object disk metadata %s", path)
	}
	m.Path = path
	return m, nil
}

// Serialize - render the metadata file body
func (m *Metadata) Serialize() []byte {
	var b strings.Builder
	version := m.Version
	if version == 0 {
		version = VersionReadOnlyFlag
	}
	b.WriteString(strconv.Itoa(int(version)))
	b.WriteByte('\n')
	b.WriteString(strconv.Itoa(len(m.StorageObjects)))
	b.WriteByte('\t')
	b.WriteString(strconv.FormatInt(m.TotalSize, 10))
	b.WriteByte('\n')
	for _, obj := range m.StorageObjects {
		b.WriteString(strconv.FormatInt(obj.ObjectSize, 10))
		b.WriteByte('\t')
		b.WriteString(obj.ObjectRelativePath)
		b.WriteByte('\n')
	}
	b.WriteString(strconv.Itoa(m.RefCount))
	b.WriteByte('\n')
	if version >= VersionReadOnlyFlag {
		if m.ReadOnly {
			b.WriteString("1\n")
		} else {
			b.WriteString("0\n")
		}
	}
	if version >= VersionInlineData && m.InlineData != "" {
		b.WriteString(m.InlineData)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// SaveToFile - write the metadata file
func (m *Metadata) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	return os.WriteFile(path, m.Serialize(), 0640)
}

// RewriteKeys - apply transform to every referenced object key
func (m *Metadata) RewriteKeys(transform func(key string) string) {
	for i := range m.StorageObjects {
		m.StorageObjects[i].ObjectRelativePath = transform(m.StorageObjects[i].ObjectRelativePath)
	}
}

// CollectMetadataFiles - walk a part directory on an object disk and parse
// every metadata file in it
func CollectMetadataFiles(partPath string) ([]*Metadata, error) {
	var result []*Metadata
	err := filepath.Walk(partPath, func(fPath string, fInfo os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fInfo.IsDir() {
			return nil
		}
		if strings.Contains(fInfo.Name(), "frozen_metadata") {
			return nil
		}
		m, readErr := ReadMetadataFromFile(fPath)
		if readErr != nil {
			return readErr
		}
		result = append(result, m)
		return nil
	})
	return result, err
}
