package connid

import (
	"testing"
	"time"

	"inet.af/netaddr"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name      string
		createdAt int64
		now       int64
		ip        string
		valid     bool
	}{
		{"fresh", 0, 1, "127.0.0.1", true},
		{"expired", 0, int64(TTL.Seconds()) + 1, "127.0.0.1", false},
		{"v6", 0, 0, "::1", true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ip := netaddr.MustParseIP(c.ip)
			id := Generate("secret", ip, time.Unix(c.createdAt, 0))
			got := Validate("secret", id, ip, time.Unix(c.now, 0), time.Minute)
			if got != c.valid {
				t.Errorf("Validate() = %t, want %t", got, c.valid)
			}
		})
	}
}

func TestValidateRejectsWrongIP(t *testing.T) {
	issued := netaddr.MustParseIP("1.2.3.4")
	other := netaddr.MustParseIP("1.2.3.5")

	id := Generate("secret", issued, time.Unix(0, 0))
	if Validate("secret", id, other, time.Unix(1, 0), time.Minute) {
		t.Error("connection ID issued to one IP must not validate for another")
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	ip := netaddr.MustParseIP("1.2.3.4")
	id := Generate("secret-a", ip, time.Unix(0, 0))
	if Validate("secret-b", id, ip, time.Unix(1, 0), time.Minute) {
		t.Error("connection ID issued with one secret must not validate with another")
	}
}

func TestGeneratorReuse(t *testing.T) {
	g := NewGenerator("secret")
	ip := netaddr.MustParseIP("10.0.0.1")

	first := append([]byte(nil), g.Generate(ip, time.Unix(100, 0))...)
	second := append([]byte(nil), g.Generate(ip, time.Unix(200, 0))...)

	if string(first) == string(second) {
		t.Error("connection IDs for different timestamps should differ")
	}

	if !g.Validate(second, ip, time.Unix(200, 0), time.Minute) {
		t.Error("reused generator should still validate its own output")
	}
}
