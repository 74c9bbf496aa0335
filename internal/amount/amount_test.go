package amount

import (
	"math"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"0", 0, false},
		{"100", 100, false},
		{"9223372036854775807", math.MaxInt64, false},
		{"", 0, true},
		{"-1", 0, true},
		{"1.5", 0, true},
		{"abc", 0, true},
		{"9223372036854775808", 0, true},
	}

	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, 1900, math.MaxInt64} {
		got, err := Parse(Format(v))
		if err != nil {
			t.Fatalf("round trip %d: %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip %d got %d", v, got)
		}
	}
}

func TestAddOverflow(t *testing.T) {
	if _, err := Add(math.MaxInt64, 1); err != ErrOverflow {
		t.Fatal("expected overflow")
	}
	if v, err := Add(math.MaxInt64-1, 1); err != nil || v != math.MaxInt64 {
		t.Fatalf("got %d, %v", v, err)
	}
}

func TestSub(t *testing.T) {
	if v, err := Sub(3600, 1700); err != nil || v != 1900 {
		t.Fatalf("got %d, %v", v, err)
	}
	if _, err := Sub(math.MinInt64, 1); err != ErrOverflow {
		t.Fatal("expected overflow")
	}
	if _, err := Sub(0, math.MinInt64); err != ErrOverflow {
		t.Fatal("expected overflow negating MinInt64")
	}
}
