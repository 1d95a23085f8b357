package flock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrLocked - another live process holds the lock file
var ErrLocked = errors.New("file lock is held by another process")

// Lock - advisory file lock with holder metadata. A stale lock left by a
// dead process is taken over.
type Lock struct {
	path string
	file *os.File
}

// New - create lock handle for path
func New(path string) *Lock {
	return &Lock{path: path}
}

// Acquire - take the lock without blocking. Returns ErrLocked when a live
// holder exists.
func (l *Lock) Acquire(operation string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0750); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := l.describeHolder(f)
		if closeErr := f.Close(); closeErr != nil {
			log.Warn().Msgf("can't close lock file %s: %v", l.path, closeErr)
		}
		if holder != "" {
			return errors.Wrapf(ErrLocked, "%s", holder)
		}
		return ErrLocked
	}
	content := fmt.Sprintf("%d|%s|%s", os.Getpid(), operation, time.Now().Format(time.RFC3339))
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(content), 0)
	}
	l.file = f
	return nil
}

// describeHolder inspects the lock file content to name the current holder.
func (l *Lock) describeHolder(f *os.File) string {
	data := make([]byte, 256)
	n, err := f.ReadAt(data, 0)
	if n == 0 && err != nil {
		return ""
	}
	parts := strings.SplitN(strings.TrimSpace(string(data[:n])), "|", 3)
	if len(parts) < 3 {
		return ""
	}
	pid, err := strconv.Atoi(parts[0])
	if err != nil {
		return ""
	}
	description := fmt.Sprintf("`%s` is running since %s (pid=%d)", parts[1], parts[2], pid)
	if procInfo, infoErr := process.NewProcess(int32(pid)); infoErr == nil {
		if cmdLine, cmdLineErr := procInfo.Cmdline(); cmdLineErr == nil {
			description += fmt.Sprintf(", cmdline=%s", cmdLine)
		}
	}
	return description
}

// Release - drop the lock; the holder line stays in the file until the next
// Acquire rewrites it
func (l *Lock) Release() {
	if l.file == nil {
		return
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		log.Warn().Msgf("can't unlock %s: %v", l.path, err)
	}
	if err := l.file.Close(); err != nil {
		log.Warn().Msgf("can't close lock file %s: %v", l.path, err)
	}
	l.file = nil
}
