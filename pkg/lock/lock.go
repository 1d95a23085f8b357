// Package lock implements mutual exclusion for engine commands: an advisory
// file lock taken first and a distributed zookeeper lock taken second,
// released in reverse order on every exit path.
package lock

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/yandex/ch-backup/pkg/config"
	"github.com/yandex/ch-backup/pkg/flock"
	"github.com/yandex/ch-backup/pkg/keeper"
)

// ErrLocked - another holder owns one of the locks, command must abort
// without mutation
var ErrLocked = errors.New("operation is locked by another holder")

// Locker - per-operation composition of the file and distributed locks
type Locker struct {
	cfg      *config.Config
	ch       keeper.ConfigParser
	fileLock *flock.Lock
	keeper   *keeper.Keeper
	zkLocked bool
}

// NewLocker - build locker from config
func NewLocker(cfg *config.Config, ch keeper.ConfigParser) *Locker {
	return &Locker{cfg: cfg, ch: ch}
}

// Acquire - take locks for the duration of an operation. distributed=false
// limits acquisition to the file lock (restore of schema-only requests, or
// skip_lock_for_schema_only policy).
func (l *Locker) Acquire(ctx context.Context, operation string, distributed bool) error {
	if l.cfg.Lock.Flock {
		fileLock := flock.New(l.cfg.Lock.FlockPath)
		if err := fileLock.Acquire(operation); err != nil {
			if errors.Is(err, flock.ErrLocked) {
				return errors.Wrapf(ErrLocked, "%v", err)
			}
			return err
		}
		l.fileLock = fileLock
	}
	if distributed && l.cfg.Lock.ZKFlock {
		k := &keeper.Keeper{}
		if err := k.Connect(ctx, l.ch, l.cfg); err != nil {
			l.releaseFileLock()
			return errors.Wrap(err, "can't connect to zookeeper for distributed lock")
		}
		hostname, _ := os.Hostname()
		holder := fmt.Sprintf("%s/%s", operation, hostname)
		if err := k.TryLock(ctx, l.cfg.Lock.ZKFlockPath, holder, l.cfg.Lock.LockTimeout); err != nil {
			k.Close()
			l.releaseFileLock()
			if errors.Is(err, keeper.ErrLockTaken) {
				return errors.Wrapf(ErrLocked, "%v", err)
			}
			return err
		}
		l.keeper = k
		l.zkLocked = true
	}
	return nil
}

// Release - drop locks in reverse acquisition order
func (l *Locker) Release() {
	if l.keeper != nil {
		if l.zkLocked {
			if err := l.keeper.Unlock(l.cfg.Lock.ZKFlockPath); err != nil {
				log.Warn().Msgf("can't release zookeeper lock: %v", err)
			}
			l.zkLocked = false
		}
		l.keeper.Close()
		l.keeper = nil
	}
	l.releaseFileLock()
}

func (l *Locker) releaseFileLock() {
	if l.fileLock != nil {
		l.fileLock.Release()
		l.fileLock = nil
	}
}
