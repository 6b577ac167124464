package digitlm

// Sloth specific functionality.

import (
	"github.com/pkg/errors"

	"github.com/sensorable/digitlm/internal/log"
)

// SlothAnnotation is a single annotation within a Sloth file.
type SlothAnnotation struct {
	Class string  `json:"class,omitempty"`
	Type  string  `json:"type,omitempty"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// SlothAnnotatedFile defines the Sloth annotation structure for a single file.
type SlothAnnotatedFile struct {
	Annotations []SlothAnnotation `json:"annotations"`
	Class       string            `json:"class,omitempty"`
	FilePath    string            `json:"filename,omitempty"`
}

const slothPointType = "point"

// FromSloth reads the point annotations of the Sloth file at path. The annotation class names the
// landmark. Image sizes are read from the files under imagesDir; images that cannot be read and
// images without all landmarks of order are dropped.
func FromSloth(path, imagesDir string, order PointOrder) ([]Record, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	enc, err := readFile(path)
	if err != nil {
		return nil, err
	}

	var slothData []SlothAnnotatedFile
	if err := json.Unmarshal(enc, &slothData); err != nil {
		return nil, errors.Wrapf(err, "failed to parse Sloth input from %q", path)
	}

	records := make([]Record, 0, len(slothData))
	for _, slothFileData := range slothData {
		landmarks := make(map[string]Point, len(order))
		for _, a := range slothFileData.Annotations {
			if a.Type != slothPointType || order.Index(a.Class) < 0 {
				continue
			}
			landmarks[a.Class] = Point{a.X, a.Y}
		}

		if rec, ok := importRecord(imagesDir, slothFileData.FilePath, landmarks, order); ok {
			records = append(records, rec)
		}
	}
	sortRecords(records)

	log.Info(log.Fields{"path": path, "files": len(slothData), "kept": len(records)},
		"Imported Sloth annotations")
	return records, nil
}

// ToSloth converts records to Sloth format with one point annotation per landmark.
func ToSloth(records []Record, order PointOrder) []SlothAnnotatedFile {
	slothData := make([]SlothAnnotatedFile, 0, len(records))
	for _, r := range records {
		slothFileData := SlothAnnotatedFile{
			Annotations: make([]SlothAnnotation, 0, len(order)),
			Class:       "image",
			FilePath:    r.Image,
		}
		for _, name := range order {
			p, ok := r.Landmarks[name]
			if !ok {
				continue
			}
			slothFileData.Annotations = append(slothFileData.Annotations, SlothAnnotation{
				Class: name,
				Type:  slothPointType,
				X:     roundTo(p[0], 2),
				Y:     roundTo(p[1], 2),
			})
		}
		slothData = append(slothData, slothFileData)
	}

	return slothData
}

// WriteSloth writes the Sloth annotations to outFile.
func WriteSloth(outFile string, data []SlothAnnotatedFile) error {
	return writeJSON(outFile, data)
}
