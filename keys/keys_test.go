package keys

import (
	"bytes"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestUserKey_Compare(t *testing.T) {
	uk1 := UserKey("aaa")
	uk2 := UserKey("bbb")
	uk3 := UserKey("aaa")

	if uk1.Compare(uk2) >= 0 {
		t.Errorf("Expected uk1 < uk2")
	}
	if uk2.Compare(uk1) <= 0 {
		t.Errorf("Expected uk2 > uk1")
	}
	if uk1.Compare(uk3) != 0 {
		t.Errorf("Expected uk1 == uk3")
	}
}

func TestEncodeDecode(t *testing.T) {
	testKeys := []string{"", "k", "hello", "longggggggggggggggggggggg"}
	seqs := []uint64{
		1, 2, 3,
		(1 << 8) - 1, 1 << 8, (1 << 8) + 1,
		(1 << 16) - 1, 1 << 16, (1 << 16) + 1,
		(1 << 32) - 1, 1 << 32, (1 << 32) + 1,
		MaxSequenceNumber,
	}
	for _, k := range testKeys {
		for _, s := range seqs {
			for _, kind := range []Kind{KindSet, KindDelete} {
				ek := NewEncodedKey([]byte(k), s, kind)
				uk, seq, gotKind, err := Parse(ek)
				if err != nil {
					t.Fatalf("Parse(%q, %d, %v): %v", k, s, kind, err)
				}
				if string(uk) != k || seq != s || gotKind != kind {
					t.Errorf("Round trip mismatch: got (%q, %d, %v), want (%q, %d, %v)", uk, seq, gotKind, k, s, kind)
				}
			}
		}
	}
}

func TestTrailerLayout(t *testing.T) {
	ek := NewEncodedKey([]byte("a"), 0x0102, KindSet)
	want := []byte{'a', 0x01, 0x02, 0x01, 0, 0, 0, 0, 0}
	if !bytes.Equal(ek, want) {
		t.Errorf("Expected %x, got %x", want, []byte(ek))
	}
}

func TestParseErrors(t *testing.T) {
	if _, _, _, err := Parse([]byte("short")); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
	bad := NewEncodedKey([]byte("foo"), 5, Kind(7))
	if _, _, _, err := Parse(bad); !errors.Is(err, ErrCorruption) {
		t.Errorf("Expected ErrCorruption for unknown kind, got %v", err)
	}
	if bad.Valid() {
		t.Errorf("Expected key with unknown kind to be invalid")
	}
}

func TestInternalKeyOrdering(t *testing.T) {
	icmp := NewInternalComparator(nil)

	// Same user key: higher sequence first, then Set before Delete.
	ordered := []EncodedKey{
		NewEncodedKey([]byte("foo"), 100, KindSet),
		NewEncodedKey([]byte("foo"), 100, KindDelete),
		NewEncodedKey([]byte("foo"), 99, KindSet),
		NewEncodedKey([]byte("foo"), 1, KindSet),
		NewEncodedKey([]byte("foobar"), MaxSequenceNumber, KindSet),
		NewEncodedKey([]byte("g"), 0, KindDelete),
	}
	for i := 0; i+1 < len(ordered); i++ {
		if c := icmp.Compare(ordered[i], ordered[i+1]); c >= 0 {
			t.Errorf("Expected %v < %v, got %d", ordered[i], ordered[i+1], c)
		}
		if c := ordered[i].Compare(ordered[i+1]); c >= 0 {
			t.Errorf("EncodedKey.Compare: expected %v < %v, got %d", ordered[i], ordered[i+1], c)
		}
	}

	// A lookup key sorts before every entry visible at its sequence.
	lk := NewLookupKey([]byte("foo"), 100)
	if icmp.Compare(lk, ordered[0]) > 0 || icmp.Compare(lk, ordered[1]) > 0 {
		t.Errorf("Lookup key must not sort after entries at its own sequence")
	}
	if icmp.Compare(NewQueryKey([]byte("foo")), ordered[0]) >= 0 {
		t.Errorf("Query key must sort before the newest entry")
	}
}

func TestNewerSortsFirstProperty(t *testing.T) {
	icmp := NewInternalComparator(Bytewise)
	properties := gopter.NewProperties(nil)

	properties.Property("seq1 > seq2 implies encode(k,seq1) < encode(k,seq2)", prop.ForAll(
		func(k []byte, s1, s2 uint64, kind1, kind2 bool) bool {
			s1 &= MaxSequenceNumber
			s2 &= MaxSequenceNumber
			if s1 == s2 {
				return true
			}
			if s1 < s2 {
				s1, s2 = s2, s1
			}
			a := NewEncodedKey(k, s1, kindOf(kind1))
			b := NewEncodedKey(k, s2, kindOf(kind2))
			return icmp.Compare(a, b) < 0 && icmp.Compare(b, a) > 0
		},
		gen.SliceOf(gen.UInt8()),
		gen.UInt64(),
		gen.UInt64(),
		gen.Bool(),
		gen.Bool(),
	))

	properties.Property("user key order dominates", prop.ForAll(
		func(a, b []byte, s1, s2 uint64) bool {
			c := bytes.Compare(a, b)
			if c == 0 {
				return true
			}
			ka := NewEncodedKey(a, s1&MaxSequenceNumber, KindSet)
			kb := NewEncodedKey(b, s2&MaxSequenceNumber, KindDelete)
			return icmp.Compare(ka, kb) == c
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
		gen.UInt64(),
		gen.UInt64(),
	))

	properties.TestingRun(t)
}

func kindOf(set bool) Kind {
	if set {
		return KindSet
	}
	return KindDelete
}
