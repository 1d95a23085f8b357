// Package resumable persists restore progress so a re-run consumes the
// context and skips parts already attached or skipped.
package resumable

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
)

// PartState - status of one data part during restore
type PartState string

const (
	PartStatePending    PartState = "pending"
	PartStateDownloaded PartState = "downloaded"
	PartStateAttached   PartState = "attached"
	PartStateSkipped    PartState = "skipped"
)

var (
	partsBucket  = []byte("parts")
	failedBucket = []byte("failed")
	paramsBucket = []byte("params")
)

// State - restore context of one destination, persisted in a bolt file.
// Writes are buffered and synced to disk every syncThreshold operations.
type State struct {
	stateFile     string
	db            *bolt.DB
	syncThreshold int
	pendingOps    int
}

// NewState opens (or creates) the restore context. A context recorded for
// different parameters (another backup, another filter) is discarded.
func NewState(stateFile string, params map[string]interface{}) *State {
	s := &State{stateFile: stateFile, syncThreshold: 1}
	if err := os.MkdirAll(filepath.Dir(stateFile), 0750); err != nil {
		log.Warn().Msgf("restore context: can't create %s: %v", filepath.Dir(stateFile), err)
		return s
	}
	db, err := bolt.Open(stateFile, 0600, nil)
	if err != nil {
		log.Warn().Msgf("restore context: can't open %s error: %v", stateFile, err)
		return s
	}
	s.db = db
	s.initBuckets()
	s.cleanupIfParamsChange(params)
	return s
}

// SetSyncThreshold - batch disk syncs every n state mutations
func (s *State) SetSyncThreshold(n int) {
	if n > 0 {
		s.syncThreshold = n
	}
}

func (s *State) initBuckets() {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, bucketName := range [][]byte{partsBucket, failedBucket, paramsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucketName); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Warn().Msgf("restore context: can't create buckets in %s: %v", s.stateFile, err)
	}
}

func (s *State) cleanupIfParamsChange(params map[string]interface{}) {
	newParams, err := json.Marshal(params)
	if err != nil {
		log.Warn().Msgf("restore context: can't marshal params: %v", err)
		return
	}
	var oldParams []byte
	_ = s.db.View(func(tx *bolt.Tx) error {
		oldParams = append([]byte(nil), tx.Bucket(paramsBucket).Get([]byte("params"))...)
		return nil
	})
	err = s.db.Update(func(tx *bolt.Tx) error {
		if oldParams != nil && string(oldParams) != string(newParams) {
			log.Info().Msgf("restore context: parameters changed, %s cleanup begin", s.stateFile)
			for _, bucketName := range [][]byte{partsBucket, failedBucket} {
				if err := tx.DeleteBucket(bucketName); err != nil {
					return err
				}
				if _, err := tx.CreateBucket(bucketName); err != nil {
					return err
				}
			}
		}
		return tx.Bucket(paramsBucket).Put([]byte("params"), newParams)
	})
	if err != nil {
		log.Warn().Msgf("restore context: can't cleanup %s: %v", s.stateFile, err)
	}
}

func partKey(database, table, part string) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%s", database, table, part))
}

// SetPartState - record part progress
func (s *State) SetPartState(database, table, part string, state PartState) {
	if s.db == nil {
		return
	}
	s.pendingOps++
	sync := s.pendingOps >= s.syncThreshold
	if sync {
		s.pendingOps = 0
	}
	update := s.db.Batch
	if sync {
		update = s.db.Update
	}
	if err := update(func(tx *bolt.Tx) error {
		return tx.Bucket(partsBucket).Put(partKey(database, table, part), []byte(state))
	}); err != nil {
		log.Fatal().Msgf("restore context: can't write key %s to %s error: %v", partKey(database, table, part), s.stateFile, err)
	}
}

// GetPartState - current status, PartStatePending when unseen
func (s *State) GetPartState(database, table, part string) PartState {
	if s.db == nil {
		return PartStatePending
	}
	state := PartStatePending
	if err := s.db.View(func(tx *bolt.Tx) error {
		if value := tx.Bucket(partsBucket).Get(partKey(database, table, part)); value != nil {
			state = PartState(value)
		}
		return nil
	}); err != nil {
		log.Warn().Msgf("restore context: can't read %s: %v", s.stateFile, err)
	}
	return state
}

// AddFailedPart - record an attach failure with its reason
func (s *State) AddFailedPart(database, table, part string, reason error) {
	if s.db == nil {
		return
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(failedBucket).Put(partKey(database, table, part), []byte(reason.Error()))
	}); err != nil {
		log.Warn().Msgf("restore context: can't record failed part: %v", err)
	}
}

// FailedParts - failed part keys with reasons
func (s *State) FailedParts() map[string]string {
	failed := map[string]string{}
	if s.db == nil {
		return failed
	}
	_ = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(failedBucket).ForEach(func(k, v []byte) error {
			failed[string(k)] = string(v)
			return nil
		})
	})
	return failed
}

// HasFailedParts - true when any part failed to attach
func (s *State) HasFailedParts() bool {
	return len(s.FailedParts()) > 0
}

// Remove - close the context and delete its file
func (s *State) Remove() {
	s.Close()
	if err := os.Remove(s.stateFile); err != nil && !os.IsNotExist(err) {
		log.Warn().Msgf("restore context: can't remove %s: %v", s.stateFile, err)
	}
}

// Close - flush and close the context
func (s *State) Close() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		log.Warn().Err(err).Msgf("restore context: can't close %s", s.stateFile)
	}
	s.db = nil
}
