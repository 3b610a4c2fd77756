package telephony

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"type":"post_call_transcription"}`)
	now := time.Unix(1767600000, 0)
	header := Sign(body, "whsec", now)

	if err := VerifySignature(header, body, "whsec", now.Add(time.Minute), 30*time.Minute); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	cases := map[string]struct {
		header string
		body   []byte
		secret string
		at     time.Time
	}{
		"wrong secret":   {header, body, "other", now},
		"missing secret": {header, body, "", now},
		"tampered body":  {header, []byte(`{"type":"x"}`), "whsec", now},
		"stale":          {header, body, "whsec", now.Add(31 * time.Minute)},
		"no v0":          {"t=1767600000", body, "whsec", now},
		"bad timestamp":  {strings.Replace(header, "t=1767600000", "t=abc", 1), body, "whsec", now},
		"empty":          {"", body, "whsec", now},
	}
	for name, tc := range cases {
		err := VerifySignature(tc.header, tc.body, tc.secret, tc.at, 30*time.Minute)
		if !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("%s: expected ErrInvalidSignature, got %v", name, err)
		}
	}
}

func TestVerifySignature_ZeroToleranceSkipsAgeCheck(t *testing.T) {
	body := []byte(`{}`)
	header := Sign(body, "whsec", time.Unix(1000, 0))
	if err := VerifySignature(header, body, "whsec", time.Unix(1767600000, 0), 0); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}
