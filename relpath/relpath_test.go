package relpath

import "testing"

func TestNewNormalizes(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"a/b/c", "a/b/c"},
		{"a\\b\\c", "a/b/c"},
		{"/a/b/", "a/b"},
		{"a//b", "a/b"},
		{"./a/./b", "a/b"},
	}
	for _, c := range cases {
		got, err := New(c.in)
		if err != nil {
			t.Fatalf("New(%q): %v", c.in, err)
		}
		if string(got) != c.want {
			t.Errorf("New(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNewRejectsEmpty(t *testing.T) {
	for _, in := range []string{"", "/", "///", "."} {
		if _, err := New(in); err == nil {
			t.Errorf("New(%q) expected error", in)
		}
	}
}

func TestKeyIsCaseInsensitive(t *testing.T) {
	a := MustNew("Docs/Report.TXT")
	b := MustNew("docs/report.txt")
	if !Equal(a, b) {
		t.Errorf("expected %q and %q to compare equal", a, b)
	}
}

func TestHasPrefixBoundary(t *testing.T) {
	docs := MustNew("Docs")
	if !MustNew("Docs/a.txt").HasPrefixBoundary(docs) {
		t.Error("expected Docs/a.txt under Docs")
	}
	if MustNew("Docsother/a.txt").HasPrefixBoundary(docs) {
		t.Error("did not expect Docsother/a.txt under Docs")
	}
}

func TestDepth(t *testing.T) {
	if MustNew("a").Depth() != 1 {
		t.Error("expected depth 1")
	}
	if MustNew("a/b/c").Depth() != 3 {
		t.Error("expected depth 3")
	}
}

func TestDirBase(t *testing.T) {
	p := MustNew("a/b/c.txt")
	if p.Base() != "c.txt" {
		t.Errorf("Base() = %q", p.Base())
	}
	if p.Dir() != Path("a/b") {
		t.Errorf("Dir() = %q", p.Dir())
	}
	if MustNew("c.txt").Dir() != "" {
		t.Error("expected empty Dir for top-level path")
	}
}
