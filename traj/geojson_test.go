package traj

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrajectoryFeatures(t *testing.T) {
	fc, err := TrajectoryFeatures(squareLayers(), PlaneXY, 0)
	require.NoError(t, err)
	require.Len(t, fc.Features, 6, "path, start and end per layer")

	path := fc.Features[0]
	assert.Equal(t, "reference", path.Properties["name"])
	assert.Equal(t, "path", path.Properties["kind"])
	assert.Equal(t, "#00008B", path.Properties["color"])
	assert.Equal(t, 4, path.Properties["poses"])
	assert.InDelta(t, 3.0, path.Properties["length"], 1e-12)
	assert.Equal(t, "xy", path.Properties["plane"])

	assert.Equal(t, orb.Point{0, 0}, fc.Features[1].Geometry)
	assert.Equal(t, orb.Point{0, 1}, fc.Features[2].Geometry)
	assert.Equal(t, geojson.BBox{0, 0, 1, 1}, fc.BBox)
}

func TestTrajectoryFeaturesSimplify(t *testing.T) {
	line := TrajectoryLayer{Name: "straight", Points: []r3.Vector{{X: 0}, {X: 1, Y: 0.001}, {X: 2}, {X: 3, Y: -0.001}, {X: 4}}}

	fc, err := TrajectoryFeatures([]TrajectoryLayer{line}, PlaneXY, 0.01)
	require.NoError(t, err)
	ls, ok := fc.Features[0].Geometry.(orb.LineString)
	require.True(t, ok)
	assert.Equal(t, orb.LineString{{0, 0}, {4, 0}}, ls)
	assert.Equal(t, 5, fc.Features[0].Properties["poses"])
	assert.Greater(t, fc.Features[0].Properties["length"].(float64), 4.0)
}

func TestTrajectoryFeaturesPlane(t *testing.T) {
	l := TrajectoryLayer{Name: "up", Points: []r3.Vector{{X: 1, Y: 5, Z: 0}, {X: 1, Y: 5, Z: 2}}}
	fc, err := TrajectoryFeatures([]TrajectoryLayer{l}, PlaneXZ, 0)
	require.NoError(t, err)
	assert.Equal(t, orb.LineString{{1, 0}, {1, 2}}, fc.Features[0].Geometry)
}

func TestMarshalTrajectoryGeoJSON(t *testing.T) {
	data, err := MarshalTrajectoryGeoJSON(squareLayers(), PlaneXY, 0)
	require.NoError(t, err)

	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	assert.Len(t, fc.Features, 6)
	assert.Equal(t, "estimate", fc.Features[3].Properties["name"])

	_, err = MarshalTrajectoryGeoJSON([]TrajectoryLayer{{Name: "empty"}}, PlaneXY, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
