package accesslist

import (
	"testing"

	"github.com/mochi-udp/tracker/bittorrent"
)

func infoHash(b byte) bittorrent.InfoHash {
	buf := make([]byte, 20)
	buf[0] = b
	return bittorrent.InfoHashFromBytes(buf)
}

func TestModeOffAllowsEverything(t *testing.T) {
	l, err := New(Off, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !l.Allows(infoHash(1)) {
		t.Error("Off mode must allow every hash")
	}
}

func TestModeAllow(t *testing.T) {
	hex := "0100000000000000000000000000000000000000"
	l, err := New(Allow, []string{hex})
	if err != nil {
		t.Fatal(err)
	}

	if !l.Allows(infoHash(1)) {
		t.Error("listed hash should be allowed")
	}
	if l.Allows(infoHash(2)) {
		t.Error("unlisted hash should be denied under Allow mode")
	}
}

func TestModeDeny(t *testing.T) {
	hex := "0100000000000000000000000000000000000000"
	l, err := New(Deny, []string{hex})
	if err != nil {
		t.Fatal(err)
	}

	if l.Allows(infoHash(1)) {
		t.Error("listed hash should be denied under Deny mode")
	}
	if !l.Allows(infoHash(2)) {
		t.Error("unlisted hash should be allowed under Deny mode")
	}
}

func TestSwappableAtomicReplace(t *testing.T) {
	s := NewSwappable()
	if !s.Allows(infoHash(9)) {
		t.Error("default Swappable should allow everything")
	}

	denyList, err := New(Deny, []string{"0900000000000000000000000000000000000000"})
	if err != nil {
		t.Fatal(err)
	}
	s.Store(denyList)

	if s.Allows(infoHash(9)) {
		t.Error("after Store, Swappable should reflect the new list")
	}
}
