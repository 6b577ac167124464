package digitlm

// VGG Image Annotator (VIA) specific functionality.

import (
	"github.com/pkg/errors"

	"github.com/sensorable/digitlm/internal/log"
)

// VIAShape describes the shape of an annotation. Landmarks use the "point" shape.
type VIAShape struct {
	Name   string  `json:"name"`
	Cx     float64 `json:"cx"`
	Cy     float64 `json:"cy"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
}

// VIARegionAnnotation is a single region annotation for a particular image in a VIA file.
type VIARegionAnnotation struct {
	Attributes map[string]string `json:"region_attributes"`
	Shape      VIAShape          `json:"shape_attributes"`
}

// VIAAnnotatedFile defines the VIA annotation structure for a single file.
type VIAAnnotatedFile struct {
	Annotations []VIARegionAnnotation `json:"regions"`
	Attributes  map[string]string     `json:"file_attributes"`
	FilePath    string                `json:"filename"`
	Size        int64                 `json:"size"`
}

// VIAOptionsAttribute defines attributes of type "radio" or "dropdown".
type VIAOptionsAttribute struct {
	Type           string            `json:"type"` // "radio" or "dropdown"
	Description    string            `json:"description"`
	Options        map[string]string `json:"options"`
	DefaultOptions map[string]bool   `json:"default_options"`
}

// VIAAttributes defines the VIA attribute metadata.
type VIAAttributes struct {
	Region map[string]interface{} `json:"region"`
	File   map[string]interface{} `json:"file"`
}

// VIAProject defines the VIA project structure.
type VIAProject struct {
	Attributes    VIAAttributes               `json:"_via_attributes"`
	ImageMetadata map[string]VIAAnnotatedFile `json:"_via_img_metadata"`
	// Must exist for VIA to load the project. Default values will be used.
	Settings struct{} `json:"_via_settings"`
}

const (
	viaLabelAttribute = "Label" // The attribute key naming the landmark of a point.
	viaPointShape     = "point"
)

// FromVIA reads the point regions of the VIA project at path. A point's Label attribute names the
// landmark. Image sizes are read from the files under imagesDir; images that cannot be read and
// images without all landmarks of order are dropped.
func FromVIA(path, imagesDir string, order PointOrder) ([]Record, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	enc, err := readFile(path)
	if err != nil {
		return nil, err
	}

	var viaData VIAProject
	if err := json.Unmarshal(enc, &viaData); err != nil {
		return nil, errors.Wrapf(err, "failed to parse VIA input from %q", path)
	}

	records := make([]Record, 0, len(viaData.ImageMetadata))
	for _, viaFile := range viaData.ImageMetadata {
		landmarks := make(map[string]Point, len(order))
		for _, a := range viaFile.Annotations {
			if a.Shape.Name != viaPointShape {
				continue
			}
			name := a.Attributes[viaLabelAttribute]
			if order.Index(name) < 0 {
				continue
			}
			landmarks[name] = Point{a.Shape.Cx, a.Shape.Cy}
		}

		if rec, ok := importRecord(imagesDir, viaFile.FilePath, landmarks, order); ok {
			records = append(records, rec)
		}
	}
	sortRecords(records)

	log.Info(log.Fields{"path": path, "files": len(viaData.ImageMetadata), "kept": len(records)},
		"Imported VIA project")
	return records, nil
}

// ToVIA converts records to a VIA project with one point region per landmark.
func ToVIA(records []Record, order PointOrder) VIAProject {
	viaData := VIAProject{
		Attributes: VIAAttributes{
			Region: make(map[string]interface{}),
			File:   make(map[string]interface{}),
		},
		ImageMetadata: make(map[string]VIAAnnotatedFile, len(records)),
	}

	// The label attribute offers every landmark name as an option.
	labelAttr := VIAOptionsAttribute{
		Type:           "radio",
		Description:    "Landmark",
		Options:        make(map[string]string, len(order)),
		DefaultOptions: make(map[string]bool),
	}
	for _, name := range order {
		labelAttr.Options[name] = ""
	}
	viaData.Attributes.Region[viaLabelAttribute] = labelAttr

	for _, r := range records {
		viaFile := VIAAnnotatedFile{
			Annotations: make([]VIARegionAnnotation, 0, len(order)),
			Attributes:  make(map[string]string), // Must not be nil as that becomes JSON null.
			FilePath:    r.Image,
		}
		for _, name := range order {
			p, ok := r.Landmarks[name]
			if !ok {
				continue
			}
			viaFile.Annotations = append(viaFile.Annotations, VIARegionAnnotation{
				Attributes: map[string]string{viaLabelAttribute: name},
				Shape: VIAShape{
					Name: viaPointShape,
					Cx:   roundTo(p[0], 2),
					Cy:   roundTo(p[1], 2),
				},
			})
		}
		viaData.ImageMetadata[viaFile.FilePath] = viaFile
	}

	return viaData
}

// WriteVIA writes the VIA project data to outFile.
func WriteVIA(outFile string, data VIAProject) error {
	return writeJSON(outFile, data)
}
