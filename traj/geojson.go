package traj

import (
	"fmt"
	"io"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// LayerLineString projects a layer onto plane as an orb.LineString.
func LayerLineString(l TrajectoryLayer, plane Plane) orb.LineString {
	ls := make(orb.LineString, len(l.Points))
	for i, v := range l.Points {
		x, y := plane.Project(v)
		ls[i] = orb.Point{x, y}
	}
	return ls
}

// TrajectoryFeatures converts layers into a GeoJSON feature collection in
// plane coordinates. Each layer becomes a LineString, simplified with
// Douglas-Peucker when tolerance > 0, plus start and end Points. Path
// length is measured before simplification.
func TrajectoryFeatures(layers []TrajectoryLayer, plane Plane, tolerance float64) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	for _, l := range layers {
		if len(l.Points) == 0 {
			continue
		}
		ls := LayerLineString(l, plane)
		length := planar.Length(ls)
		if tolerance > 0 && len(ls) > 2 {
			simplified, ok := simplify.DouglasPeucker(tolerance).Simplify(ls.Clone()).(orb.LineString)
			if !ok {
				return nil, fmt.Errorf("simplifying %s: unexpected geometry", l.Name)
			}
			ls = simplified
		}
		hex := fmt.Sprintf("#%02X%02X%02X", l.Color.R, l.Color.G, l.Color.B)

		line := geojson.NewFeature(ls)
		line.Properties["name"] = l.Name
		line.Properties["kind"] = "path"
		line.Properties["color"] = hex
		line.Properties["poses"] = len(l.Points)
		line.Properties["length"] = length
		line.Properties["plane"] = plane.String()
		fc.Append(line)

		start := geojson.NewFeature(ls[0])
		start.Properties["name"] = l.Name
		start.Properties["kind"] = "start"
		start.Properties["color"] = hex
		fc.Append(start)

		end := geojson.NewFeature(ls[len(ls)-1])
		end.Properties["name"] = l.Name
		end.Properties["kind"] = "end"
		end.Properties["color"] = hex
		fc.Append(end)
	}
	if len(fc.Features) == 0 {
		return nil, fmt.Errorf("%w: no points to export", ErrInvalidInput)
	}
	fc.BBox = geojson.NewBBox(fcBound(fc))
	return fc, nil
}

func fcBound(fc *geojson.FeatureCollection) orb.Bound {
	b := fc.Features[0].Geometry.Bound()
	for _, f := range fc.Features[1:] {
		b = b.Union(f.Geometry.Bound())
	}
	return b
}

// MarshalTrajectoryGeoJSON returns the feature collection as JSON.
func MarshalTrajectoryGeoJSON(layers []TrajectoryLayer, plane Plane, tolerance float64) ([]byte, error) {
	fc, err := TrajectoryFeatures(layers, plane, tolerance)
	if err != nil {
		return nil, err
	}
	return fc.MarshalJSON()
}

// SaveTrajectoryGeoJSON writes the feature collection to path.
func SaveTrajectoryGeoJSON(path string, layers []TrajectoryLayer, plane Plane, tolerance float64) error {
	data, err := MarshalTrajectoryGeoJSON(layers, plane, tolerance)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}
