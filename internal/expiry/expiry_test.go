package expiry

import (
	"testing"
	"time"
)

func TestValidUntil_Rollover(t *testing.T) {
	issue := time.Date(2029, time.December, 15, 10, 0, 0, 0, time.UTC)
	got := ValidUntil(issue, 1)
	want := time.Date(2030, time.December, 31, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestValidUntil_LeapIssue(t *testing.T) {
	// Leap day issue lands on the end of February, not March 1st.
	issue := time.Date(2028, time.February, 29, 0, 0, 0, 0, time.UTC)
	got := ValidUntil(issue, 3)
	want := time.Date(2031, time.February, 28, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestParseYYMMEndOfMonth(t *testing.T) {
	cases := map[string]time.Time{
		"3002": time.Date(2030, time.February, 28, 0, 0, 0, 0, time.UTC),
		"3004": time.Date(2030, time.April, 30, 0, 0, 0, 0, time.UTC),
		"2802": time.Date(2028, time.February, 29, 0, 0, 0, 0, time.UTC),
	}
	for in, want := range cases {
		got, err := ParseYYMMEndOfMonth(in)
		if err != nil {
			t.Fatalf("%s: err: %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%s: got %v want %v", in, got, want)
		}
	}
	if _, err := ParseYYMMEndOfMonth("3013"); err == nil {
		t.Fatalf("expected month error")
	}
}

func TestIsPast(t *testing.T) {
	validity := time.Date(2030, time.January, 31, 0, 0, 0, 0, time.UTC)
	if IsPast(validity, validity) {
		t.Fatalf("card must be valid on its last day")
	}
	if !IsPast(validity, validity.AddDate(0, 0, 1)) {
		t.Fatalf("card must be past the day after")
	}
	if IsPast(validity, validity.AddDate(0, 0, -1)) {
		t.Fatalf("card must be valid before its last day")
	}
}

func TestToday_UsesIssuerZone(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	prev := defaultLoc
	SetDefaultExpiryLocation(loc)
	defer SetDefaultExpiryLocation(prev)

	// 20:00 UTC on Jan 31 is already Feb 1 in Tokyo.
	at := time.Date(2030, time.January, 31, 20, 0, 0, 0, time.UTC)
	want := time.Date(2030, time.February, 1, 0, 0, 0, 0, time.UTC)
	if got := Today(at); !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestParseValidity(t *testing.T) {
	cases := map[string]string{
		"2030-06-15": "2030-06-15",
		"06/30":      "2030-06-30",
		"0230":       "2030-02-28",
	}
	for in, want := range cases {
		got, err := ParseValidity(in)
		if err != nil {
			t.Fatalf("%s: err: %v", in, err)
		}
		if FormatDate(got) != want {
			t.Fatalf("%s: got %s want %s", in, FormatDate(got), want)
		}
	}
	for _, in := range []string{"2030-13-01", "13/30", "abc", ""} {
		if _, err := ParseValidity(in); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}

func TestParseCardFace(t *testing.T) {
	got, err := ParseCardFace("12/30")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if got != "3012" {
		t.Fatalf("got %s want 3012", got)
	}
}

func TestYearsForProduct(t *testing.T) {
	if got := YearsForProduct("Credit", 0); got != 3 {
		t.Fatalf("credit got %d", got)
	}
	if got := YearsForProduct("debit", 0); got != 5 {
		t.Fatalf("debit got %d", got)
	}
	if got := YearsForProduct("unknown", 0); got != 5 {
		t.Fatalf("fallback got %d", got)
	}
	if got := YearsForProduct("credit", 2); got != 2 {
		t.Fatalf("override got %d", got)
	}
}
