package idgen

import (
	"regexp"
	"testing"
)

var hexRe = regexp.MustCompile(`^[0-9a-f]+$`)

func TestRequestID(t *testing.T) {
	a, b := RequestID(), RequestID()
	if len(a) != 32 || !hexRe.MatchString(a) {
		t.Fatalf("unexpected request id %q", a)
	}
	if a == b {
		t.Fatal("expected distinct ids")
	}
}

func TestHex_Length(t *testing.T) {
	for _, n := range []int{1, 8, 20} {
		if got := Hex(n); len(got) != 2*n {
			t.Errorf("Hex(%d) = %q", n, got)
		}
	}
}
