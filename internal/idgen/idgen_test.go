package idgen

import (
	"regexp"
	"testing"
)

func TestWithPrefixFormat(t *testing.T) {
	re := regexp.MustCompile(`^tkt_[0-9a-f]{24}$`)
	id := WithPrefix("tkt_")
	if !re.MatchString(id) {
		t.Errorf("id = %s, want tkt_ plus 24 hex chars", id)
	}
	if WithPrefix("tkt_") == id {
		t.Error("two generated IDs collided")
	}
}

func TestHexLength(t *testing.T) {
	if got := Hex(16); len(got) != 32 {
		t.Errorf("Hex(16) length = %d, want 32", len(got))
	}
}
