package digitlm

// Landmark annotation records and the canonical annotations file.

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/sensorable/digitlm/internal/log"
)

// Landmark names of the default point order.
const (
	IndexBase = "indexBase" // Index finger base (Jupiter crease).
	IndexTip  = "indexTip"
	RingBase  = "ringBase" // Ring finger base (Apollo crease).
	RingTip   = "ringTip"
)

// Reasons reported by a DataError.
const (
	ReasonMissingItems   = "annotations file is missing items"
	ReasonNoValidRecords = "no valid annotations found"
)

var validate = validator.New()

// Point is an (x, y) pixel coordinate.
type Point [2]float64

// X returns the horizontal coordinate.
func (p Point) X() float64 { return p[0] }

// Y returns the vertical coordinate.
func (p Point) Y() float64 { return p[1] }

// PointOrder is the ordered list of landmark names. It fixes the layout of target vectors: point i
// occupies slots 2*i (x) and 2*i+1 (y).
type PointOrder []string

// DefaultOrder returns a new copy of the index/ring finger point order.
func DefaultOrder() PointOrder {
	return PointOrder{IndexBase, IndexTip, RingBase, RingTip}
}

// Validate checks that the order is non-empty and has no empty or duplicate names.
func (o PointOrder) Validate() error {
	if len(o) == 0 {
		return errors.New("point order is empty")
	}
	seen := make(map[string]bool, len(o))
	for _, name := range o {
		if name == "" {
			return errors.New("point order contains an empty name")
		}
		if seen[name] {
			return errors.Errorf("point order contains %q twice", name)
		}
		seen[name] = true
	}
	return nil
}

// Index returns the position of name in the order, or -1.
func (o PointOrder) Index(name string) int {
	for i, v := range o {
		if v == name {
			return i
		}
	}
	return -1
}

// TargetLen is the length of a target vector for this order.
func (o PointOrder) TargetLen() int {
	return 2 * len(o)
}

// Record is a single validated annotation: an image, its authoritative native size and the
// landmark pixel coordinates in that native coordinate space.
type Record struct {
	Image     string           `json:"image" validate:"required"`
	Width     int              `json:"width" validate:"gt=0"`
	Height    int              `json:"height" validate:"gt=0"`
	Landmarks map[string]Point `json:"landmarks" validate:"required"`
}

// Points returns the landmarks in the given order.
func (r Record) Points(order PointOrder) ([]Point, error) {
	points := make([]Point, len(order))
	for i, name := range order {
		p, ok := r.Landmarks[name]
		if !ok {
			return nil, errors.Errorf("%q has no landmark %q", r.Image, name)
		}
		points[i] = p
	}
	return points, nil
}

// DataError reports an annotations file that yields no usable data at all.
type DataError struct {
	Path   string
	Reason string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// rawRecord is the lenient decoding target for a single item. Pointers distinguish missing fields
// from zero values.
type rawRecord struct {
	Image     *string                        `json:"image"`
	Width     *int                           `json:"width"`
	Height    *int                           `json:"height"`
	Landmarks map[string]jsoniter.RawMessage `json:"landmarks"`
}

// rawPoint decodes one landmark. Only a list of exactly two non-null numbers is a point.
func rawPoint(enc jsoniter.RawMessage) (Point, bool) {
	var v []*float64
	if err := json.Unmarshal(enc, &v); err != nil || len(v) != 2 || v[0] == nil || v[1] == nil {
		return Point{}, false
	}
	if math.IsNaN(*v[0]) || math.IsNaN(*v[1]) {
		return Point{}, false
	}
	return Point{*v[0], *v[1]}, true
}

// toRecord converts the raw item, returning false if it violates the record invariant.
func (r rawRecord) toRecord(order PointOrder) (Record, bool) {
	if r.Image == nil || r.Width == nil || r.Height == nil || r.Landmarks == nil {
		return Record{}, false
	}

	rec := Record{
		Image:     *r.Image,
		Width:     *r.Width,
		Height:    *r.Height,
		Landmarks: make(map[string]Point, len(order)),
	}
	for _, name := range order {
		enc, ok := r.Landmarks[name]
		if !ok {
			return Record{}, false
		}
		p, ok := rawPoint(enc)
		if !ok {
			return Record{}, false
		}
		rec.Landmarks[name] = p
	}
	if err := validate.Struct(rec); err != nil {
		return Record{}, false
	}

	return rec, true
}

// LoadAnnotations reads the annotations file at path and returns the records that satisfy the
// record invariant for order. Invalid items are dropped silently.
//
// A *DataError is returned if the file has no "items" list, if it is empty, or if none of its
// items is valid.
func LoadAnnotations(path string, order PointOrder) ([]Record, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	enc, err := readFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read annotations %q", path)
	}
	if !json.Valid(enc) {
		return nil, errors.Errorf("cannot parse annotations %q: invalid JSON", path)
	}

	// The top level must be an object with a non-empty "items" list.
	var payload map[string]jsoniter.RawMessage
	if err := json.Unmarshal(enc, &payload); err != nil {
		return nil, &DataError{Path: path, Reason: ReasonMissingItems}
	}
	var items []jsoniter.RawMessage
	if raw, ok := payload["items"]; !ok || json.Unmarshal(raw, &items) != nil || len(items) == 0 {
		return nil, &DataError{Path: path, Reason: ReasonMissingItems}
	}

	records := make([]Record, 0, len(items))
	for _, item := range items {
		var raw rawRecord
		if err := json.Unmarshal(item, &raw); err != nil {
			continue
		}
		if rec, ok := raw.toRecord(order); ok {
			records = append(records, rec)
		}
	}

	log.Info(log.Fields{
		"path":    path,
		"items":   len(items),
		"kept":    len(records),
		"dropped": len(items) - len(records),
	}, "Loaded annotations")

	if len(records) == 0 {
		return nil, &DataError{Path: path, Reason: ReasonNoValidRecords}
	}

	return records, nil
}

// annotationsFile is the on-disk layout of the annotations file.
type annotationsFile struct {
	Items []Record `json:"items"`
}

// WriteAnnotations writes records to path in the annotations file format. Only the landmarks in
// order are written and coordinates are rounded to two decimals.
func WriteAnnotations(path string, records []Record, order PointOrder) error {
	out := annotationsFile{Items: make([]Record, 0, len(records))}
	for _, r := range records {
		points, err := r.Points(order)
		if err != nil {
			return err
		}
		landmarks := make(map[string]Point, len(order))
		for i, name := range order {
			landmarks[name] = Point{roundTo(points[i][0], 2), roundTo(points[i][1], 2)}
		}
		out.Items = append(out.Items, Record{
			Image:     r.Image,
			Width:     r.Width,
			Height:    r.Height,
			Landmarks: landmarks,
		})
	}

	return writeJSON(path, out)
}

// importRecord builds a record for an image of a foreign annotation format. The native size is
// read from the image header under imagesDir. It returns false if a landmark of order is missing
// or the image cannot be read.
func importRecord(imagesDir, image string, landmarks map[string]Point, order PointOrder) (
	Record, bool) {

	for _, name := range order {
		if _, ok := landmarks[name]; !ok {
			log.Debug(log.Fields{"image": image, "landmark": name}, "Dropping incomplete annotation")
			return Record{}, false
		}
	}

	path := filepath.Join(imagesDir, filepath.FromSlash(image))
	config, _, err := decodeImageConfig(path)
	if err != nil {
		log.Warn(log.Fields{"image": image, "error": err}, "Cannot read image size")
		return Record{}, false
	}

	rec := Record{
		Image:     image,
		Width:     config.Width,
		Height:    config.Height,
		Landmarks: make(map[string]Point, len(order)),
	}
	for _, name := range order {
		rec.Landmarks[name] = landmarks[name]
	}
	return rec, validate.Struct(rec) == nil
}

// sortRecords orders records by image name.
func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].Image < records[j].Image })
}

// roundTo rounds v half away from zero to the given number of decimals.
func roundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
