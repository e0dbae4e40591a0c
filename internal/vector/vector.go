// Package vector loads GeoJSON polygon labels and matches predicted
// polygons against ground truth by intersection over union.
package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/terrapredict/terrapredict/internal/blob"
)

// ClassIDProperty is the feature property holding a polygon's class.
const ClassIDProperty = "class_id"

// Load reads a FeatureCollection, a single Feature or a bare geometry from
// a local path or gs:// URI and returns it as a FeatureCollection.
func Load(ctx context.Context, opener *blob.Opener, uri string) (*geojson.FeatureCollection, error) {
	data, err := opener.ReadAll(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("reading geojson %s: %w", uri, err)
	}

	fc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", uri, err)
	}
	return fc, nil
}

// Parse decodes GeoJSON into a FeatureCollection.
func Parse(data []byte) (*geojson.FeatureCollection, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parsing geojson: %w", err)
	}

	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("parsing feature collection: %w", err)
		}
		return fc, nil

	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("parsing feature: %w", err)
		}
		fc := geojson.NewFeatureCollection()
		fc.Append(f)
		return fc, nil

	case "":
		return nil, fmt.Errorf("geojson object has no type")

	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("parsing geometry: %w", err)
		}
		fc := geojson.NewFeatureCollection()
		fc.Append(geojson.NewFeature(g.Geometry()))
		return fc, nil
	}
}

// Polygons returns the Polygon and MultiPolygon geometries of fc whose
// class_id property equals classID. Features without a class_id are kept.
// A class_id that is not an integer, or an integer string, matches no class.
func Polygons(fc *geojson.FeatureCollection, classID int) []orb.Geometry {
	var out []orb.Geometry
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			continue
		}

		raw, present := f.Properties[ClassIDProperty]
		if present && raw != nil {
			id, ok := parseClassID(raw)
			if !ok || id != classID {
				continue
			}
		}
		out = append(out, f.Geometry)
	}
	return out
}

// parseClassID accepts integral numbers and base-10 integer strings.
func parseClassID(v any) (int, bool) {
	switch v := v.(type) {
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	default:
		return 0, false
	}
}

// IoU approximates intersection over union of two polygonal geometries.
// Equal geometries score 1 and geometries with disjoint bounds score 0.
// Otherwise areas are exact and the intersection is sampled on a
// resolution x resolution grid over the overlap of the bounds.
func IoU(a, b orb.Geometry, resolution int) float64 {
	if orb.Equal(a, b) {
		return 1
	}

	ba, bb := a.Bound(), b.Bound()
	overlap := orb.Bound{
		Min: orb.Point{math.Max(ba.Min.X(), bb.Min.X()), math.Max(ba.Min.Y(), bb.Min.Y())},
		Max: orb.Point{math.Min(ba.Max.X(), bb.Max.X()), math.Min(ba.Max.Y(), bb.Max.Y())},
	}
	w, h := overlap.Max.X()-overlap.Min.X(), overlap.Max.Y()-overlap.Min.Y()
	if w <= 0 || h <= 0 {
		return 0
	}

	if resolution < 1 {
		resolution = 1
	}
	dx, dy := w/float64(resolution), h/float64(resolution)
	hits := 0
	for i := 0; i < resolution; i++ {
		y := overlap.Min.Y() + (float64(i)+0.5)*dy
		for j := 0; j < resolution; j++ {
			p := orb.Point{overlap.Min.X() + (float64(j)+0.5)*dx, y}
			if contains(a, p) && contains(b, p) {
				hits++
			}
		}
	}

	inter := float64(hits) * dx * dy
	union := math.Abs(planar.Area(a)) + math.Abs(planar.Area(b)) - inter
	if union <= 0 {
		return 0
	}
	return math.Min(1, inter/union)
}

func contains(g orb.Geometry, p orb.Point) bool {
	switch v := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(v, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(v, p)
	default:
		return false
	}
}

// Result counts matched and unmatched geometries.
type Result struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	FN int `json:"fn"`
}

type candidate struct {
	gt, pred int
	iou      float64
}

// Match pairs predictions with ground truth one-to-one, greedily by
// descending IoU, accepting pairs with IoU >= threshold. Matched pairs are
// true positives, leftover ground truth false negatives and leftover
// predictions false positives.
func Match(gt, pred []orb.Geometry, threshold float64, resolution int) Result {
	var cands []candidate
	for i, g := range gt {
		for j, p := range pred {
			if iou := IoU(g, p, resolution); iou >= threshold && iou > 0 {
				cands = append(cands, candidate{gt: i, pred: j, iou: iou})
			}
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].iou > cands[j].iou
	})

	usedGT := make([]bool, len(gt))
	usedPred := make([]bool, len(pred))
	tp := 0
	for _, c := range cands {
		if usedGT[c.gt] || usedPred[c.pred] {
			continue
		}
		usedGT[c.gt] = true
		usedPred[c.pred] = true
		tp++
	}

	return Result{TP: tp, FP: len(pred) - tp, FN: len(gt) - tp}
}
