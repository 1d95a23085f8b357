package storage

import (
	"archive/tar"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/yandex/ch-backup/pkg/metadata"
)

// PartArchive - result of packing one part directory
type PartArchive struct {
	Files    []metadata.FileInfo
	Size     int64
	RawSize  int64
	Checksum string
}

type hashingWriter struct {
	w    io.Writer
	h    hash.Hash64
	size int64
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		_, _ = hw.h.Write(p[:n])
		hw.size += int64(n)
	}
	return n, err
}

// PackPartDirectory serializes a part directory into a deterministic TAR
// stream: members in sorted order, mtime/uid/gid zeroed. The stream is
// hashed as it is produced so the checksum is known at upload completion.
func PackPartDirectory(partPath string, w io.Writer) (*PartArchive, error) {
	var files []string
	if err := filepath.Walk(partPath, func(fPath string, fInfo os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fInfo.IsDir() {
			return nil
		}
		if !fInfo.Mode().IsRegular() {
			return nil
		}
		relName, err := filepath.Rel(partPath, fPath)
		if err != nil {
			return err
		}
		files = append(files, relName)
		return nil
	}); err != nil {
		return nil, errors.Wrapf(err, "can't walk part directory %s", partPath)
	}
	sort.Strings(files)

	hw := &hashingWriter{w: w, h: xxhash.New()}
	tw := tar.NewWriter(hw)
	archive := &PartArchive{Files: make([]metadata.FileInfo, 0, len(files))}
	for _, name := range files {
		localPath := filepath.Join(partPath, name)
		fInfo, err := os.Stat(localPath)
		if err != nil {
			// the underlying part can be merged away mid-backup
			return nil, errors.Wrapf(err, "part file vanished during packing: %s", localPath)
		}
		header := &tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     fInfo.Size(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, err
		}
		f, err := os.Open(localPath)
		if err != nil {
			return nil, errors.Wrapf(err, "part file vanished during packing: %s", localPath)
		}
		written, err := io.Copy(tw, f)
		closeErr := f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "can't pack %s", localPath)
		}
		if closeErr != nil {
			return nil, closeErr
		}
		if written != fInfo.Size() {
			return nil, errors.Errorf("part file truncated during packing: %s", localPath)
		}
		archive.Files = append(archive.Files, metadata.FileInfo{Name: name, Size: fInfo.Size()})
		archive.RawSize += fInfo.Size()
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	archive.Size = hw.size
	archive.Checksum = fmt.Sprintf("%016x", hw.h.Sum64())
	return archive, nil
}

// UnpackPartDirectory extracts a part TAR stream produced by
// PackPartDirectory into dstPath, refusing members escaping the target.
func UnpackPartDirectory(r io.Reader, dstPath string) error {
	if err := os.MkdirAll(dstPath, 0750); err != nil {
		return err
	}
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "corrupted part archive")
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Clean(header.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return errors.Errorf("part archive member escapes target directory: %s", header.Name)
		}
		extractPath := filepath.Join(dstPath, name)
		if err := os.MkdirAll(filepath.Dir(extractPath), 0750); err != nil {
			return err
		}
		dst, err := os.OpenFile(extractPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode)&0777)
		if err != nil {
			return err
		}
		written, err := io.Copy(dst, tr)
		closeErr := dst.Close()
		if err != nil {
			return errors.Wrapf(err, "can't extract %s", header.Name)
		}
		if closeErr != nil {
			return closeErr
		}
		if written != header.Size {
			return errors.Errorf("truncated part archive member: %s", header.Name)
		}
	}
}

// ChecksumReader hashes bytes flowing through it with the same function used
// at packing time. Used to verify artifacts on readback.
type ChecksumReader struct {
	r    io.Reader
	h    hash.Hash64
	size int64
}

func NewChecksumReader(r io.Reader) *ChecksumReader {
	return &ChecksumReader{r: r, h: xxhash.New()}
}

func (cr *ChecksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		_, _ = cr.h.Write(p[:n])
		cr.size += int64(n)
	}
	return n, err
}

func (cr *ChecksumReader) Checksum() string {
	return fmt.Sprintf("%016x", cr.h.Sum64())
}

func (cr *ChecksumReader) Size() int64 {
	return cr.size
}
