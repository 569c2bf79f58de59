package catalog

import (
	"testing"

	"hubd/pkg/types"
)

func asset(id string, cat types.Category, name string, tags ...string) types.Asset {
	return types.Asset{
		ID:       id,
		Name:     name,
		Category: cat,
		Tags:     tags,
		Source:   types.Source{Kind: types.SourceHosted, Repo: "org/" + id},
		Storage:  types.Storage{LocalPath: "/tmp/" + id},
		Runtime:  types.RuntimeSpec{APIType: types.APIChatCompletions, APIModelID: id, MemoryGB: 1},
	}
}

func TestMergeDisjointKeepsBothSides(t *testing.T) {
	base := Catalog{Version: "1.0.0", Assets: []types.Asset{
		asset("a", types.CategoryChat, "A"),
		asset("b", types.CategoryChat, "B"),
	}}
	inc := Catalog{Version: "1.1.0", Assets: []types.Asset{
		asset("c", types.CategoryVisionChat, "C"),
	}}
	got := Merge(base, inc)
	if got.Len() != 3 {
		t.Fatalf("merged len = %d, want 3", got.Len())
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, ok := got.Find(id); !ok {
			t.Fatalf("merged catalog missing %q", id)
		}
	}
}

func TestMergeSharedIDLastWins(t *testing.T) {
	base := Catalog{Version: "1.0.0", Assets: []types.Asset{
		asset("a", types.CategoryChat, "old name"),
	}}
	inc := Catalog{Version: "0.9.0", Assets: []types.Asset{
		asset("a", types.CategoryChat, "new name"),
	}}
	got := Merge(base, inc)
	if got.Len() != 1 {
		t.Fatalf("merged len = %d, want 1", got.Len())
	}
	a, _ := got.Find("a")
	// Replacement is by merge order, not by version comparison.
	if a.Name != "new name" {
		t.Fatalf("shared id kept base descriptor: name = %q", a.Name)
	}
}

func TestMergeVersionIsGreaterTag(t *testing.T) {
	cases := []struct {
		base, inc, want string
	}{
		{"1.0.0", "1.1.0", "1.1.0"},
		{"2.0.0", "1.9.9", "2.0.0"},
		{"1.2.0", "1.2.0", "1.2.0"},
		{"1.10.0", "1.9.0", "1.10.0"},
	}
	for _, c := range cases {
		got := Merge(Catalog{Version: c.base}, Catalog{Version: c.inc})
		if got.Version != c.want {
			t.Errorf("Merge(%q, %q).Version = %q, want %q", c.base, c.inc, got.Version, c.want)
		}
	}
}

func TestMergeResultSortedByID(t *testing.T) {
	base := Catalog{Assets: []types.Asset{
		asset("z", types.CategoryChat, "Z"),
		asset("m", types.CategoryChat, "M"),
	}}
	inc := Catalog{Assets: []types.Asset{
		asset("a", types.CategoryChat, "A"),
	}}
	got := Merge(base, inc)
	for i := 1; i < len(got.Assets); i++ {
		if got.Assets[i-1].ID >= got.Assets[i].ID {
			t.Fatalf("assets not sorted: %q before %q", got.Assets[i-1].ID, got.Assets[i].ID)
		}
	}
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "1.0.1", -1},
		{"1.10.0", "1.9.0", 1},
		{"1.2", "1.2.0", 0},
		{"2", "1.9.9", 1},
		{"abc", "abd", -1},
	}
	for _, c := range cases {
		if got := CompareVersions(c.a, c.b); got != c.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestListFiltersByCategory(t *testing.T) {
	c := Catalog{Assets: []types.Asset{
		asset("a", types.CategoryChat, "A"),
		asset("b", types.CategorySpeechSynthesis, "B"),
		asset("c", types.CategoryChat, "C"),
	}}
	got := c.List(types.CategoryChat, "")
	if len(got) != 2 {
		t.Fatalf("List(chat) returned %d assets, want 2", len(got))
	}
	for _, a := range got {
		if a.Category != types.CategoryChat {
			t.Fatalf("List(chat) returned category %q", a.Category)
		}
	}
}

func TestListQueryMatchesNameDescriptionTags(t *testing.T) {
	withDesc := asset("a", types.CategoryChat, "Qwen Chat")
	withDesc.Description = "multilingual assistant"
	c := Catalog{Assets: []types.Asset{
		withDesc,
		asset("b", types.CategoryChat, "Other", "vision"),
	}}
	if got := c.List("", "qwen"); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("query on name: got %v", got)
	}
	if got := c.List("", "MULTILINGUAL"); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("query on description should be case-insensitive: got %v", got)
	}
	if got := c.List("", "vision"); len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("query on tags: got %v", got)
	}
	if got := c.List("", "nothing-matches"); len(got) != 0 {
		t.Fatalf("unmatched query returned %d assets", len(got))
	}
}

func TestFindMissing(t *testing.T) {
	c := Catalog{Assets: []types.Asset{asset("a", types.CategoryChat, "A")}}
	if _, ok := c.Find("nope"); ok {
		t.Fatal("Find reported a missing id as present")
	}
}
