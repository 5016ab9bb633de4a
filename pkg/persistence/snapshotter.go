// Package persistence writes periodic queue snapshots to disk for
// operational forensics. Snapshots are write-only: the engine never
// reads them back, and a restart always begins with an empty queue.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/semantest/nodejs.server-sub008/pkg/types"

	"github.com/sirupsen/logrus"
)

const snapshotPattern = "snapshot_*.jsonl"

// Stats counters for the snapshotter.
type Stats struct {
	SnapshotsWritten int64     `json:"snapshots_written"`
	SnapshotsFailed  int64     `json:"snapshots_failed"`
	JobsInLast       int       `json:"jobs_in_last"`
	FilesPruned      int64     `json:"files_pruned"`
	LastSnapshotTime time.Time `json:"last_snapshot_time"`
	LastError        string    `json:"last_error,omitempty"`
}

// Snapshotter periodically serializes the jobs returned by source into
// timestamped JSONL files, one job per line, pruning old files beyond
// MaxFiles.
type Snapshotter struct {
	config types.SnapshotConfig
	source func() []types.Job
	logger *logrus.Logger
	clock  types.Clock

	mutex sync.Mutex
	stats Stats
	seq   int64

	cancel    chan struct{}
	done      chan struct{}
	isRunning bool
}

// NewSnapshotter creates a snapshotter reading queue state from source.
func NewSnapshotter(config types.SnapshotConfig, source func() []types.Job, logger *logrus.Logger, clock types.Clock) *Snapshotter {
	if config.IntervalMS <= 0 {
		config.IntervalMS = 30000
	}
	if config.MaxFiles <= 0 {
		config.MaxFiles = 10
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Snapshotter{
		config: config,
		source: source,
		logger: logger,
		clock:  clock,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start creates the snapshot directory and begins the periodic loop.
func (s *Snapshotter) Start() error {
	if !s.config.Enabled {
		s.logger.Info("Queue snapshotter disabled")
		return nil
	}
	if s.isRunning {
		return fmt.Errorf("snapshotter already running")
	}

	if err := os.MkdirAll(s.config.Directory, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	s.isRunning = true
	go s.run()

	s.logger.WithFields(logrus.Fields{
		"directory":   s.config.Directory,
		"interval_ms": s.config.IntervalMS,
		"max_files":   s.config.MaxFiles,
	}).Info("Queue snapshotter started")

	return nil
}

// Stop halts the loop and writes one final snapshot.
func (s *Snapshotter) Stop() {
	if !s.isRunning {
		return
	}
	s.isRunning = false

	close(s.cancel)
	<-s.done

	if err := s.SnapshotNow(); err != nil {
		s.logger.WithError(err).Warn("Final queue snapshot failed")
	}
	s.logger.Info("Queue snapshotter stopped")
}

func (s *Snapshotter) run() {
	defer close(s.done)

	ticker := time.NewTicker(time.Duration(s.config.IntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.cancel:
			return
		case <-ticker.C:
			if err := s.SnapshotNow(); err != nil {
				s.logger.WithError(err).Error("Queue snapshot failed")
			}
		}
	}
}

// SnapshotNow writes one snapshot file immediately.
func (s *Snapshotter) SnapshotNow() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	jobs := s.source()
	s.seq++
	name := fmt.Sprintf("snapshot_%s_%06d.jsonl",
		s.clock.Now().UTC().Format("20060102_150405"), s.seq)
	path := filepath.Join(s.config.Directory, name)

	if err := s.writeFile(path, jobs); err != nil {
		s.stats.SnapshotsFailed++
		s.stats.LastError = err.Error()
		return err
	}

	s.stats.SnapshotsWritten++
	s.stats.JobsInLast = len(jobs)
	s.stats.LastSnapshotTime = s.clock.Now()
	s.stats.LastError = ""

	if err := s.pruneLocked(); err != nil {
		s.logger.WithError(err).Warn("Snapshot pruning failed")
	}

	s.logger.WithFields(logrus.Fields{
		"file": name,
		"jobs": len(jobs),
	}).Debug("Queue snapshot written")

	return nil
}

func (s *Snapshotter) writeFile(path string, jobs []types.Job) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}

	encoder := json.NewEncoder(file)
	for i := range jobs {
		if err := encoder.Encode(&jobs[i]); err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to encode job %s: %w", jobs[i].ID, err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync snapshot file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize snapshot file: %w", err)
	}
	return nil
}

// pruneLocked removes the oldest snapshots beyond MaxFiles. File names
// embed timestamp and sequence, so lexical order is chronological.
func (s *Snapshotter) pruneLocked() error {
	matches, err := filepath.Glob(filepath.Join(s.config.Directory, snapshotPattern))
	if err != nil {
		return err
	}
	if len(matches) <= s.config.MaxFiles {
		return nil
	}

	sort.Strings(matches)
	for _, path := range matches[:len(matches)-s.config.MaxFiles] {
		if err := os.Remove(path); err != nil {
			s.logger.WithError(err).WithField("file", path).Warn("Failed to remove old snapshot")
			continue
		}
		s.stats.FilesPruned++
	}
	return nil
}

// GetStats returns a copy of the snapshot counters.
func (s *Snapshotter) GetStats() Stats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.stats
}

// IsHealthy reports whether the last snapshot attempt succeeded.
func (s *Snapshotter) IsHealthy() bool {
	if !s.config.Enabled {
		return true
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.stats.LastError == ""
}
