package traj

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/golang/geo/r3"
)

// DefaultAlignmentCachePath is the default path of the per-stream alignment cache.
const DefaultAlignmentCachePath = ".alignment-cache.json"

// StreamAlignment is the last alignment computed for one stream.
type StreamAlignment struct {
	Alignment     AlignmentResult `json:"alignment"`
	RunID         string          `json:"runId"`
	Poses         int             `json:"poses"`
	Pairs         int             `json:"pairs"`
	RMSE          float64         `json:"rmse"`
	LastEvaluated int64           `json:"lastEvaluated"`
}

// AlignmentCache stores per-stream alignments between restarts.
type AlignmentCache struct {
	Streams     map[string]StreamAlignment `json:"streams"`
	LastUpdated int64                      `json:"lastUpdated"`
}

// LoadAlignmentCache loads the cache. A missing file returns nil, nil.
func LoadAlignmentCache(path string) (*AlignmentCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading alignment cache: %w", err)
	}

	var c AlignmentCache
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing alignment cache: %w", err)
	}
	if c.Streams == nil {
		c.Streams = make(map[string]StreamAlignment)
	}
	return &c, nil
}

// SaveAlignmentCache writes the cache as indented JSON and stamps LastUpdated.
func SaveAlignmentCache(path string, c *AlignmentCache) error {
	c.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling alignment cache: %w", err)
	}
	return writeFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// Get returns the cached alignment of a stream.
func (c *AlignmentCache) Get(streamID string) (StreamAlignment, bool) {
	if c == nil || c.Streams == nil {
		return StreamAlignment{}, false
	}
	sa, ok := c.Streams[streamID]
	return sa, ok
}

// Put records the alignment of a finished run over poses live poses.
func (c *AlignmentCache) Put(streamID, runID string, poses int, res ATEResult) {
	if c.Streams == nil {
		c.Streams = make(map[string]StreamAlignment)
	}
	al := res.Alignment
	al.Residuals = nil
	c.Streams[streamID] = StreamAlignment{
		Alignment:     al,
		RunID:         runID,
		Poses:         poses,
		Pairs:         res.Pairs,
		RMSE:          res.Stats.RMSE,
		LastEvaluated: time.Now().Unix(),
	}
}

// ShouldReevaluate reports whether a stream with poseCount poses is due for
// a new evaluation: it has no entry, the entry is older than minInterval,
// or the stream has grown by more than 10% since.
func (c *AlignmentCache) ShouldReevaluate(streamID string, poseCount int, minInterval time.Duration) bool {
	sa, ok := c.Get(streamID)
	if !ok {
		return true
	}
	if time.Since(time.Unix(sa.LastEvaluated, 0)) >= minInterval {
		return true
	}
	return poseCount > sa.Poses+sa.Poses/10
}

// AlignmentStatus summarises the cache for the status endpoint.
type AlignmentStatus struct {
	Evaluated   []string  `json:"evaluated"`
	Missing     []string  `json:"missing"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Status lists which of the expected streams have a cached alignment.
func (c *AlignmentCache) Status(expected []string) AlignmentStatus {
	var st AlignmentStatus
	if c == nil {
		st.Missing = expected
		return st
	}
	st.LastUpdated = time.Unix(c.LastUpdated, 0)
	for id := range c.Streams {
		st.Evaluated = append(st.Evaluated, id)
	}
	sort.Strings(st.Evaluated)
	for _, id := range expected {
		if _, ok := c.Streams[id]; !ok {
			st.Missing = append(st.Missing, id)
		}
	}
	return st
}

// Inverse returns the transform taking data points back onto the model.
func (a AlignmentResult) Inverse() AlignmentResult {
	rt := a.Rotation.Transpose()
	inv := 1 / a.Scale
	return AlignmentResult{
		Rotation:    rt,
		Translation: rt.Apply(a.Translation).Mul(-inv),
		Scale:       inv,
		Reflected:   a.Reflected,
	}
}

// ApplyTrajectory maps every camera of t with the alignment: centres go
// through Apply and camera-to-world rotations are premultiplied by Rotation.
// The result is camera-to-world.
func (a AlignmentResult) ApplyTrajectory(t Trajectory) Trajectory {
	out := Trajectory{Poses: make([]TimedPose, len(t.Poses)), Synthetic: t.Synthetic}
	for i, tp := range t.Poses {
		c2w := tp.Pose.In(CameraToWorld)
		out.Poses[i] = TimedPose{
			Timestamp: tp.Timestamp,
			Pose: Pose{
				Rotation:    a.Rotation.Mul(c2w.Rotation),
				Translation: a.Apply(c2w.Translation),
				Convention:  CameraToWorld,
			},
		}
	}
	return out
}

// ApplyPoints maps model points into the data frame.
func (a AlignmentResult) ApplyPoints(pts []r3.Vector) []r3.Vector {
	out := make([]r3.Vector, len(pts))
	for i, p := range pts {
		out[i] = a.Apply(p)
	}
	return out
}

// SaveAlignment writes a single alignment as indented JSON. Residuals are
// dropped.
func SaveAlignment(path string, a AlignmentResult) error {
	a.Residuals = nil
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling alignment: %w", err)
	}
	return writeFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// LoadAlignment reads an alignment written by SaveAlignment.
func LoadAlignment(path string) (AlignmentResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AlignmentResult{}, ioFailure("read", path, err)
	}
	var a AlignmentResult
	if err := json.Unmarshal(data, &a); err != nil {
		return AlignmentResult{}, fmt.Errorf("%w: alignment %s: %v", ErrMalformedFormat, path, err)
	}
	if !(a.Scale > 0) {
		return AlignmentResult{}, fmt.Errorf("%w: alignment %s has scale %v", ErrInvalidInput, path, a.Scale)
	}
	return a, nil
}
