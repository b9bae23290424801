package checkpoint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aluiziolira/go-wikidump/models"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLocateList(t *testing.T) {
	tests := []struct {
		name    string
		content *string
		want    Decision
	}{
		{name: "missing", content: nil, want: Decision{State: NotStarted}},
		{name: "empty", content: ptr(""), want: Decision{State: NotStarted}},
		{name: "complete without trailing newline", content: ptr("A\nB\nC\n--END--"), want: Decision{State: Complete}},
		{name: "complete with trailing newline", content: ptr("A\nB\nC\n--END--\n"), want: Decision{State: Complete}},
		{name: "interrupted after C", content: ptr("A\nB\nC\n"), want: Decision{State: IncompleteAt, Marker: "C"}},
		{name: "torn last line", content: ptr("A\nB\nCa"), want: Decision{State: IncompleteAt, Marker: "Ca"}},
		{name: "image list line", content: ptr("a.png\thttp://x/a.png\tAlice\n"), want: Decision{State: IncompleteAt, Marker: "a.png\thttp://x/a.png\tAlice"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "titles.txt")
			if tt.content != nil {
				writeFile(t, path, *tt.content)
			}
			got, err := LocateList(path)
			if err != nil {
				t.Fatalf("locate: %v", err)
			}
			if got != tt.want {
				t.Fatalf("LocateList = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func ptr(s string) *string { return &s }

const dumpHeader = `<mediawiki xmlns="http://www.mediawiki.org/xml/export-0.11/" version="0.11" xml:lang="en">
  <siteinfo>
    <sitename>Test</sitename>
  </siteinfo>
`

const pageA = `  <page>
    <title>A &amp; B</title>
    <ns>0</ns>
    <id>1</id>
    <revision>
      <id>10</id>
      <timestamp>2020-01-01T00:00:00Z</timestamp>
      <text xml:space="preserve">hello &lt;title&gt;fake&lt;/title&gt;</text>
    </revision>
  </page>
`

const partialB = `  <page>
    <title>B</title>
    <ns>0</ns>
    <revision>
      <id>11</id>
      <text xml:space="preserve">unfinis`

func TestLocateDumpIncompleteTruncatesToLastPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wiki-history.xml")
	writeFile(t, path, dumpHeader+pageA+partialB)

	got, err := LocateDump(path)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if got.State != IncompleteAt || got.Marker != "A & B" {
		t.Fatalf("decision = %+v, want IncompleteAt(A & B)", got)
	}
	if want := int64(len(dumpHeader + pageA)); got.Offset != want {
		t.Fatalf("offset = %d, want %d", got.Offset, want)
	}

	if err := TruncateDump(path, got.Offset); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != dumpHeader+pageA {
		t.Fatalf("truncated dump = %q", data)
	}

	again, err := LocateDump(path)
	if err != nil {
		t.Fatalf("locate again: %v", err)
	}
	if again != got {
		t.Fatalf("second locate = %+v, want %+v", again, got)
	}
}

func TestLocateDumpStates(t *testing.T) {
	tests := []struct {
		name    string
		content string
		state   State
	}{
		{name: "empty", content: "", state: NotStarted},
		{name: "header only", content: dumpHeader, state: NotStarted},
		{name: "header and partial page", content: dumpHeader + partialB, state: NotStarted},
		{name: "garbage", content: "not xml at all", state: NotStarted},
		{name: "complete", content: dumpHeader + pageA + "</mediawiki>\n", state: Complete},
		{name: "complete with trailing blank lines", content: dumpHeader + pageA + "</mediawiki>\n\n  \n", state: Complete},
		{name: "complete without pages", content: dumpHeader + "</mediawiki>\n", state: Complete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "dump.xml")
			writeFile(t, path, tt.content)
			got, err := LocateDump(path)
			if err != nil {
				t.Fatalf("locate: %v", err)
			}
			if got.State != tt.state {
				t.Fatalf("state = %v, want %v", got.State, tt.state)
			}
		})
	}
}

func TestLocateDumpAcrossBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.xml")
	// a page larger than one scan block, followed by a torn page
	bigText := strings.Repeat("x", blockSize*2+123)
	page := "  <page>\n    <title>Big</title>\n    <revision>\n      <text>" + bigText + "</text>\n    </revision>\n  </page>\n"
	writeFile(t, path, dumpHeader+page+"  <page>\n    <title>Torn</title>\n"+strings.Repeat("y", blockSize))

	got, err := LocateDump(path)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if got.State != IncompleteAt || got.Marker != "Big" {
		t.Fatalf("decision = %+v, want IncompleteAt(Big)", got)
	}
	if want := int64(len(dumpHeader + page)); got.Offset != want {
		t.Fatalf("offset = %d, want %d", got.Offset, want)
	}
}

func TestLastIndexSpanningBlockBoundary(t *testing.T) {
	content := strings.Repeat("a", blockSize-3) + "</page>" + strings.Repeat("b", blockSize)
	r := strings.NewReader(content)
	got, err := lastIndex(r, int64(len(content)), "</page>")
	if err != nil {
		t.Fatalf("lastIndex: %v", err)
	}
	if got != int64(blockSize-3) {
		t.Fatalf("lastIndex = %d, want %d", got, blockSize-3)
	}
}

func TestTruncateDumpRejectsGrowth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.xml")
	writeFile(t, path, "abc")
	if err := TruncateDump(path, 10); err == nil {
		t.Fatalf("expected error truncating beyond size")
	}
}

func TestLocateImages(t *testing.T) {
	records := []models.ImageRecord{
		{Filename: "a.png"}, {Filename: "b.png"}, {Filename: "skip.png"}, {Filename: "c.png"}, {Filename: "d.png"},
	}
	identity := func(name string) string { return name }
	keep := func(rec models.ImageRecord) bool { return rec.Filename != "skip.png" }

	tests := []struct {
		name    string
		present []string
		want    Decision
	}{
		{name: "nothing downloaded", present: nil, want: Decision{State: NotStarted}},
		{name: "first present only", present: []string{"a.png"}, want: Decision{State: IncompleteAt, Marker: "a.png", Index: 0}},
		{name: "filtered image is not required", present: []string{"a.png", "b.png"}, want: Decision{State: IncompleteAt, Marker: "b.png", Index: 1}},
		{name: "resume before first gap", present: []string{"a.png", "b.png", "c.png", "d.png"}[:3], want: Decision{State: IncompleteAt, Marker: "c.png", Index: 3}},
		{name: "gap in the middle", present: []string{"a.png", "d.png"}, want: Decision{State: IncompleteAt, Marker: "a.png", Index: 0}},
		{name: "all present", present: []string{"d.png", "c.png", "b.png", "a.png"}, want: Decision{State: Complete, Index: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, name := range tt.present {
				writeFile(t, filepath.Join(dir, name), "x")
			}
			got, err := LocateImages(records, dir, identity, keep)
			if err != nil {
				t.Fatalf("locate: %v", err)
			}
			if got != tt.want {
				t.Fatalf("LocateImages = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLocateImagesMissingDirectory(t *testing.T) {
	got, err := LocateImages([]models.ImageRecord{{Filename: "a.png"}}, filepath.Join(t.TempDir(), "none"), func(s string) string { return s }, nil)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if got.State != NotStarted {
		t.Fatalf("state = %v, want NotStarted", got.State)
	}
}

func TestGeneratorCursorRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.xml.cursor")

	if _, ok, err := LoadCursor(path); err != nil || ok {
		t.Fatalf("load missing = %v, %v; want not found", ok, err)
	}

	want := GeneratorCursor{Namespace: 4, Continue: map[string]string{"arvcontinue": "20200101|9", "continue": "-||"}, Offset: 1234, Pages: 7}
	if err := SaveCursor(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := LoadCursor(path)
	if err != nil || !ok {
		t.Fatalf("load = %v, %v", ok, err)
	}
	if got.Namespace != want.Namespace || got.Offset != want.Offset || got.Pages != want.Pages || got.Continue["arvcontinue"] != "20200101|9" {
		t.Fatalf("cursor = %+v, want %+v", got, want)
	}

	if err := RemoveCursor(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := RemoveCursor(path); err != nil {
		t.Fatalf("remove twice: %v", err)
	}
}
