package digest

import (
	"strings"
	"testing"
)

func TestFromBytesDeterministic(t *testing.T) {
	a := FromBytes([]byte("hello world"))
	b := FromBytes([]byte("hello world"))
	if !a.Equal(b) {
		t.Fatalf("expected equal digests for identical content")
	}
	if a.Size != 11 {
		t.Fatalf("Size = %d, want 11", a.Size)
	}
}

func TestFromBytesDiffers(t *testing.T) {
	a := FromBytes([]byte("a"))
	b := FromBytes([]byte("b"))
	if a.Equal(b) {
		t.Fatalf("expected different content to produce different digests")
	}
}

func TestFromReaderMatchesFromBytes(t *testing.T) {
	data := []byte("the quick brown fox")
	a := FromBytes(data)
	b, err := FromReader(strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("FromReader: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("FromReader digest does not match FromBytes digest")
	}
}

func TestBuilderFieldBoundaryNotConfusable(t *testing.T) {
	// "foo"+"bar" must hash differently than "foob"+"ar": the length
	// prefixing is what makes the action key a pure function of the
	// individual fields rather than their concatenation.
	d1 := NewBuilder().AddString("foo").AddString("bar").Sum()
	d2 := NewBuilder().AddString("foob").AddString("ar").Sum()
	if d1.Equal(d2) {
		t.Fatalf("expected field-boundary confusable inputs to hash differently")
	}
}

func TestBuilderIdempotent(t *testing.T) {
	build := func() Digest {
		return NewBuilder().
			AddString("Mnemonic").
			AddDigest(FromBytes([]byte("input"))).
			AddString("out/path").
			Sum()
	}
	if !build().Equal(build()) {
		t.Fatalf("expected repeated builder construction to be idempotent")
	}
}

func TestSortTotalOrder(t *testing.T) {
	ds := []Digest{FromBytes([]byte("c")), FromBytes([]byte("a")), FromBytes([]byte("b"))}
	Sort(ds)
	for i := 1; i < len(ds); i++ {
		if !ds[i-1].Less(ds[i]) && !ds[i-1].Equal(ds[i]) {
			t.Fatalf("Sort did not produce a total order at index %d", i)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	d := FromBytes([]byte("round trip me"))
	parsed, err := Parse(d.Hex(), d.Size)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !parsed.Equal(d) {
		t.Fatalf("Parse(d.Hex()) did not round-trip to d")
	}
}
