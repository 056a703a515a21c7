package bittorrent

import "testing"

func TestInfoHashShard(t *testing.T) {
	cases := []struct {
		first byte
		n     int
		want  int
	}{
		{0x00, 4, 0},
		{0x40, 4, 0},
		{0x80, 4, 0},
		{0xC0, 4, 0},
	}

	for _, c := range cases {
		b := make([]byte, 20)
		b[0] = c.first
		ih := InfoHashFromBytes(b)
		if got := ih.Shard(c.n); got != c.want {
			t.Errorf("InfoHash{%#x,...}.Shard(%d) = %d, want %d", c.first, c.n, got, c.want)
		}
	}
}

func TestNewEvent(t *testing.T) {
	cases := []struct {
		id   uint32
		want Event
	}{
		{0, None},
		{1, Completed},
		{2, Started},
		{3, Stopped},
	}
	for _, c := range cases {
		got, err := NewEvent(c.id)
		if err != nil {
			t.Fatalf("NewEvent(%d) returned error: %v", c.id, err)
		}
		if got != c.want {
			t.Errorf("NewEvent(%d) = %v, want %v", c.id, got, c.want)
		}
	}

	if _, err := NewEvent(99); err != ErrUnknownEvent {
		t.Errorf("NewEvent(99) error = %v, want ErrUnknownEvent", err)
	}
}

func TestPeerEqual(t *testing.T) {
	var id [20]byte
	id[0] = 1
	p1 := Peer{ID: PeerID(id)}
	p2 := Peer{ID: PeerID(id)}
	if !p1.Equal(p2) {
		t.Error("peers with the same ID should be equal")
	}

	id[0] = 2
	p3 := Peer{ID: PeerID(id)}
	if p1.Equal(p3) {
		t.Error("peers with different IDs should not be equal")
	}
}
