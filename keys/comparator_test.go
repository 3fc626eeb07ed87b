package keys

import (
	"bytes"
	"testing"
)

func TestBytewiseSeparator(t *testing.T) {
	testCases := []struct {
		a, b, want string
	}{
		{"foo", "foo", "foo"},
		{"foo", "bar", "foo"},
		{"foo", "hello", "g"},
		{"foo", "foobar", "foo"},
		{"foobar", "foo", "foobar"},
		{"abc1xyz", "abc3", "abc2"},
		{"abc1xyz", "abc2", "abc1xyz"},
		{"\xff\xff", "\xff\xff\x01", "\xff\xff"},
	}
	for _, tc := range testCases {
		got := Bytewise.Separator(nil, []byte(tc.a), []byte(tc.b))
		if string(got) != tc.want {
			t.Errorf("Separator(%q, %q): expected %q, got %q", tc.a, tc.b, tc.want, got)
		}
	}
}

func TestBytewiseSuccessor(t *testing.T) {
	testCases := []struct {
		a, want string
	}{
		{"foo", "g"},
		{"\xff\xffa", "\xff\xffb"},
		{"\xff\xff", "\xff\xff"},
		{"", ""},
	}
	for _, tc := range testCases {
		got := Bytewise.Successor(nil, []byte(tc.a))
		if string(got) != tc.want {
			t.Errorf("Successor(%q): expected %q, got %q", tc.a, tc.want, got)
		}
	}
}

func TestInternalSeparator(t *testing.T) {
	icmp := NewInternalComparator(nil)

	shorten := func(a, b EncodedKey) EncodedKey {
		return EncodedKey(icmp.Separator(nil, a, b))
	}

	// Same user key: nothing to shorten.
	a := NewEncodedKey([]byte("foo"), 100, KindSet)
	if got := shorten(a, NewEncodedKey([]byte("foo"), 99, KindSet)); !bytes.Equal(got, a) {
		t.Errorf("Expected %v, got %v", a, got)
	}

	// Misordered user keys stay as-is.
	if got := shorten(a, NewEncodedKey([]byte("bar"), 99, KindSet)); !bytes.Equal(got, a) {
		t.Errorf("Expected %v, got %v", a, got)
	}

	// Shortenable gap gets a max-sequence trailer.
	want := NewEncodedKey([]byte("g"), MaxSequenceNumber, KindSeek)
	if got := shorten(a, NewEncodedKey([]byte("hello"), 200, KindSet)); !bytes.Equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if icmp.Compare(a, want) >= 0 {
		t.Errorf("Separator must be >= the start key")
	}

	// Successor.
	if got := EncodedKey(icmp.Successor(nil, a)); !bytes.Equal(got, want) {
		t.Errorf("Successor: expected %v, got %v", want, got)
	}
	ff := NewEncodedKey([]byte("\xff\xff"), 100, KindSet)
	if got := EncodedKey(icmp.Successor(nil, ff)); !bytes.Equal(got, ff) {
		t.Errorf("Successor of all-0xff key should be unchanged, got %v", got)
	}
}
