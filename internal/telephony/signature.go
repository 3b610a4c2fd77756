package telephony

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "t=<unix>,v0=<hex hmac-sha256>".
const SignatureHeader = "elevenlabs-signature"

// VerifySignature checks header against HMAC-SHA256(secret, "<t>.<body>").
// A missing secret never verifies. Timestamps older than tolerance are
// rejected; tolerance <= 0 disables the age check.
func VerifySignature(header string, body []byte, secret string, now time.Time, tolerance time.Duration) error {
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}
	ts, sigs, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, s := range sigs {
		got, err := hex.DecodeString(strings.ToLower(s))
		if err != nil {
			continue
		}
		if hmac.Equal(expected, got) {
			return nil
		}
	}
	return fmt.Errorf("%w: mismatch", ErrInvalidSignature)
}

// Sign produces a header value for body; used by tests and local tooling.
func Sign(body []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	return "t=" + ts + ",v0=" + hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (int64, []string, error) {
	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			ts = n
		case "v0":
			sigs = append(sigs, v)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: header incomplete", ErrInvalidSignature)
	}
	return ts, sigs, nil
}
