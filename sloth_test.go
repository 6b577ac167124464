package digitlm

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFromSloth(t *testing.T) {
	dir := t.TempDir()
	writeTestImage(t, dir, "hand.png", createTestImage(30, 70, white))
	path := filepath.Join(dir, "sloth.json")
	content := `[
	  {"class": "image", "filename": "hand.png", "annotations": [
	    {"class": "indexBase", "type": "point", "x": 5, "y": 60},
	    {"class": "indexTip", "type": "point", "x": 6, "y": 10.25},
	    {"class": "ringBase", "type": "point", "x": 20, "y": 62},
	    {"class": "ringTip", "type": "point", "x": 21, "y": 8},
	    {"class": "ringTip", "type": "rect", "x": 0, "y": 0}
	  ]},
	  {"class": "image", "filename": "missing.png", "annotations": [
	    {"class": "indexBase", "type": "point", "x": 5, "y": 60},
	    {"class": "indexTip", "type": "point", "x": 6, "y": 10},
	    {"class": "ringBase", "type": "point", "x": 20, "y": 62},
	    {"class": "ringTip", "type": "point", "x": 21, "y": 8}
	  ]}
	]`
	if err := ioutil.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	records, err := FromSloth(path, dir, DefaultOrder())
	if err != nil {
		t.Fatal(err)
	}
	want := []Record{{
		Image:  "hand.png",
		Width:  30,
		Height: 70,
		Landmarks: map[string]Point{
			IndexBase: {5, 60}, IndexTip: {6, 10.25}, RingBase: {20, 62}, RingTip: {21, 8},
		},
	}}
	if diff := cmp.Diff(want, records); diff != "" {
		t.Errorf("FromSloth mismatch (-want +got):\n%s", diff)
	}
}

func TestToSloth(t *testing.T) {
	rec := testRecord("hand.png", 100, 100)
	rec.Landmarks[IndexTip] = Point{25.004, 25}

	got := ToSloth([]Record{rec}, PointOrder{IndexBase, IndexTip})
	want := []SlothAnnotatedFile{{
		Class:    "image",
		FilePath: "hand.png",
		Annotations: []SlothAnnotation{
			{Class: IndexBase, Type: "point", X: 25, Y: 75},
			{Class: IndexTip, Type: "point", X: 25, Y: 25},
		},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ToSloth mismatch (-want +got):\n%s", diff)
	}

	path := filepath.Join(t.TempDir(), "sloth.json")
	if err := WriteSloth(path, got); err != nil {
		t.Fatal(err)
	}
	if _, err := FromSloth(path, t.TempDir(), PointOrder{IndexBase, IndexTip}); err != nil {
		t.Errorf("FromSloth of written file: %v", err)
	}
}
