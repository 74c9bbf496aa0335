package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidPeerAddress(t *testing.T) {
	valid := []string{
		"0x1234567890abcdef1234567890abcdef12345678",
		"0xABCDEF1234567890abcdef1234567890ABCDEF12",
	}
	for _, a := range valid {
		if !IsValidPeerAddress(a) {
			t.Errorf("expected valid: %s", a)
		}
	}

	invalid := []string{
		"",
		"0x123",
		"1234567890abcdef1234567890abcdef12345678",
		"0x1234567890abcdef1234567890abcdef1234567g",
		"0x1234567890abcdef1234567890abcdef123456789",
	}
	for _, a := range invalid {
		if IsValidPeerAddress(a) {
			t.Errorf("expected invalid: %s", a)
		}
	}
}

func TestSanitizeAddress(t *testing.T) {
	got := SanitizeAddress("  0XABCDEF1234567890ABCDEF1234567890ABCDEF12 ")
	want := "0xabcdef1234567890abcdef1234567890abcdef12"
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}

	// Bare 40-char addresses get a 0x prefix.
	got = SanitizeAddress("abcdef1234567890abcdef1234567890abcdef12")
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestValidAmount(t *testing.T) {
	if ValidAmount("amount", "100") != nil {
		t.Fatal("100 should be valid")
	}
	for _, bad := range []string{"", "-1", "1.5", "1e6", "x"} {
		if ValidAmount("amount", bad) == nil {
			t.Errorf("%q should be invalid", bad)
		}
	}
}

func TestValidateCollects(t *testing.T) {
	errs := Validate(
		ValidAddress("from", "nope"),
		ValidAmount("amount", "100"),
		ValidHex("hash", "zz", 32),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() == "" {
		t.Fatal("expected combined message")
	}
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/peers/:address/balance", AddressParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/plain", AddressParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/peers/0x1234567890abcdef1234567890abcdef12345678/balance", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid address: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/peers/garbage/balance", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid address: expected 400, got %d", w.Code)
	}

	// Routes without an :address param pass through untouched.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/plain", nil))
	if w.Code != http.StatusOK {
		t.Errorf("no param: expected 200, got %d", w.Code)
	}
}
