package traj

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"time"
)

// liveStream is the pose history of one stream since its last reset.
type liveStream struct {
	traj       Trajectory
	lastUpdate time.Time
}

// StateTracker collects live trajectories and the latest evaluation report
// per stream for the HTTP endpoints.
type StateTracker struct {
	mu        sync.RWMutex
	streams   map[string]*liveStream
	colors    map[string]string // stream ID -> hex color
	reports   map[string]*EvaluationReport
	cachePath string // path to the reports cache file; empty disables persistence
}

// NewStateTracker creates a new state tracker.
func NewStateTracker() *StateTracker {
	return &StateTracker{
		streams: make(map[string]*liveStream),
		colors:  make(map[string]string),
		reports: make(map[string]*EvaluationReport),
	}
}

// NewStateTrackerWithCache creates a state tracker that persists the latest
// reports to cachePath and loads them back if the file exists.
func NewStateTrackerWithCache(cachePath string) *StateTracker {
	st := NewStateTracker()
	st.cachePath = cachePath
	if cachePath != "" {
		if reports, err := LoadReports(cachePath); err == nil {
			st.reports = reports
		}
	}
	return st
}

// SetColor sets the color for a stream.
func (st *StateTracker) SetColor(streamID, hexColor string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.colors[streamID] = hexColor
}

// Color returns the stream color, red if none was set.
func (st *StateTracker) Color(streamID string) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if c := st.colors[streamID]; c != "" {
		return c
	}
	return "#FF0000"
}

// AppendPose adds a received pose to the stream's trajectory. Messages
// without a timestamp are stamped with their index, which marks the stream
// synthetic; a stream cannot mix stamped and unstamped poses, and stamped
// poses must not go back in time.
func (st *StateTracker) AppendPose(streamID string, msg PoseMessage) error {
	if !finite(msg.Pose.Translation) || (msg.HasTimestamp && (math.IsNaN(msg.Timestamp) || math.IsInf(msg.Timestamp, 0))) {
		return fmt.Errorf("%w: stream %s pose is not finite", ErrInvalidInput, streamID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	ls, ok := st.streams[streamID]
	if !ok {
		ls = &liveStream{}
		st.streams[streamID] = ls
	}
	n := ls.traj.Len()
	if n > 0 && ls.traj.Synthetic == msg.HasTimestamp {
		return fmt.Errorf("%w: stream %s mixes timestamped and untimestamped poses", ErrInvalidInput, streamID)
	}

	ts := float64(n)
	if msg.HasTimestamp {
		ts = msg.Timestamp
		if n > 0 && ts < ls.traj.Poses[n-1].Timestamp {
			return fmt.Errorf("%w: stream %s timestamp %v precedes %v", ErrInvalidInput, streamID, ts, ls.traj.Poses[n-1].Timestamp)
		}
	}
	if n == 0 {
		ls.traj.Synthetic = !msg.HasTimestamp
	}
	ls.traj.Poses = append(ls.traj.Poses, TimedPose{Timestamp: ts, Pose: msg.Pose})
	ls.lastUpdate = time.Now()
	return nil
}

// Trajectory returns a copy of the stream's live trajectory.
func (st *StateTracker) Trajectory(streamID string) (Trajectory, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ls, ok := st.streams[streamID]
	if !ok {
		return Trajectory{}, false
	}
	return ls.traj.Clone(), true
}

// PoseCount returns the number of poses received on a stream.
func (st *StateTracker) PoseCount(streamID string) int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if ls, ok := st.streams[streamID]; ok {
		return ls.traj.Len()
	}
	return 0
}

// LastUpdate returns when the stream last received a pose.
func (st *StateTracker) LastUpdate(streamID string) time.Time {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if ls, ok := st.streams[streamID]; ok {
		return ls.lastUpdate
	}
	return time.Time{}
}

// Reset drops the stream's live trajectory. Its last report is kept.
func (st *StateTracker) Reset(streamID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.streams, streamID)
}

// StreamIDs returns the IDs of all streams with live poses, sorted.
func (st *StateTracker) StreamIDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.streams))
	for id := range st.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetReport stores the latest report of a stream and persists all reports
// when a cache path is configured.
func (st *StateTracker) SetReport(r *EvaluationReport) {
	st.mu.Lock()
	st.reports[r.StreamID] = r
	cachePath := st.cachePath
	snapshot := st.reportsLocked()
	st.mu.Unlock()

	if cachePath != "" {
		if err := SaveReports(cachePath, snapshot); err != nil {
			Logger().Warnw("failed to save report cache", "path", cachePath, "error", err)
		}
	}
}

// Report returns a copy of the latest report of a stream.
func (st *StateTracker) Report(streamID string) (*EvaluationReport, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	r, ok := st.reports[streamID]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Reports returns copies of the latest report of every stream.
func (st *StateTracker) Reports() map[string]*EvaluationReport {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.reportsLocked()
}

func (st *StateTracker) reportsLocked() map[string]*EvaluationReport {
	out := make(map[string]*EvaluationReport, len(st.reports))
	for k, v := range st.reports {
		cp := *v
		out[k] = &cp
	}
	return out
}

// SaveReports writes reports to disk as JSON.
func SaveReports(path string, reports map[string]*EvaluationReport) error {
	data, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal reports: %w", err)
	}
	return writeFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// LoadReports reads reports written by SaveReports.
func LoadReports(path string) (map[string]*EvaluationReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report cache: %w", err)
	}
	var reports map[string]*EvaluationReport
	if err := json.Unmarshal(data, &reports); err != nil {
		return nil, fmt.Errorf("unmarshal report cache: %w", err)
	}
	if reports == nil {
		reports = make(map[string]*EvaluationReport)
	}
	return reports, nil
}
