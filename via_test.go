package digitlm

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const viaProject = `{
  "_via_settings": {},
  "_via_attributes": {"region": {}, "file": {}},
  "_via_img_metadata": {
    "hand1.png12345": {
      "filename": "hand1.png",
      "size": 12345,
      "file_attributes": {},
      "regions": [
        {"shape_attributes": {"name": "point", "cx": 10, "cy": 40},
         "region_attributes": {"Label": "indexBase"}},
        {"shape_attributes": {"name": "point", "cx": 11.5, "cy": 5},
         "region_attributes": {"Label": "indexTip"}},
        {"shape_attributes": {"name": "point", "cx": 30, "cy": 42},
         "region_attributes": {"Label": "ringBase"}},
        {"shape_attributes": {"name": "point", "cx": 31, "cy": 8},
         "region_attributes": {"Label": "ringTip"}},
        {"shape_attributes": {"name": "point", "cx": 1, "cy": 1},
         "region_attributes": {"Label": "thumbTip"}},
        {"shape_attributes": {"name": "rect", "x": 0, "y": 0, "width": 5, "height": 5},
         "region_attributes": {"Label": "ringTip"}}
      ]
    },
    "hand2.png1": {
      "filename": "hand2.png",
      "size": 1,
      "file_attributes": {},
      "regions": [
        {"shape_attributes": {"name": "point", "cx": 10, "cy": 40},
         "region_attributes": {"Label": "indexBase"}}
      ]
    },
    "gone.png1": {
      "filename": "gone.png",
      "size": 1,
      "file_attributes": {},
      "regions": []
    }
  }
}`

func TestFromVIA(t *testing.T) {
	dir := t.TempDir()
	writeTestImage(t, dir, "hand1.png", createTestImage(48, 50, white))
	writeTestImage(t, dir, "hand2.png", createTestImage(48, 50, white))
	path := filepath.Join(dir, "via.json")
	if err := ioutil.WriteFile(path, []byte(viaProject), 0644); err != nil {
		t.Fatal(err)
	}

	records, err := FromVIA(path, dir, DefaultOrder())
	if err != nil {
		t.Fatal(err)
	}
	want := []Record{{
		Image:  "hand1.png",
		Width:  48,
		Height: 50,
		Landmarks: map[string]Point{
			IndexBase: {10, 40}, IndexTip: {11.5, 5}, RingBase: {30, 42}, RingTip: {31, 8},
		},
	}}
	if diff := cmp.Diff(want, records); diff != "" {
		t.Errorf("FromVIA mismatch (-want +got):\n%s", diff)
	}
}

func TestVIARoundTrip(t *testing.T) {
	dir := t.TempDir()
	var records []Record
	for _, name := range []string{"a.png", "b.png"} {
		writeTestImage(t, dir, name, createTestImage(60, 40, black))
		records = append(records, testRecord(name, 60, 40))
	}

	project := ToVIA(records, DefaultOrder())
	label, ok := project.Attributes.Region[viaLabelAttribute].(VIAOptionsAttribute)
	if !ok || len(label.Options) != 4 {
		t.Errorf("label attribute = %+v, want options for 4 landmarks", project.Attributes.Region)
	}
	if got := len(project.ImageMetadata["a.png"].Annotations); got != 4 {
		t.Errorf("a.png has %d regions, want 4", got)
	}

	path := filepath.Join(dir, "out", "via.json")
	if err := WriteVIA(path, project); err != nil {
		t.Fatal(err)
	}
	got, err := FromVIA(path, dir, DefaultOrder())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(records, got); diff != "" {
		t.Errorf("VIA round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFromVIAInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "via.json")
	if err := ioutil.WriteFile(path, []byte(`{"_via_img_metadata": [`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := FromVIA(path, t.TempDir(), DefaultOrder()); err == nil {
		t.Error("FromVIA with invalid JSON succeeded")
	}
}
