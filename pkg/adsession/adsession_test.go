package adsession

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func hmacHex(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestNewClickIDFormatAndUniqueness(t *testing.T) {
	a := newClickID()
	b := newClickID()

	if !strings.HasPrefix(a, "clk_") {
		t.Errorf("newClickID() = %q, want clk_ prefix", a)
	}
	if a == b {
		t.Error("newClickID should be unique per call")
	}
}

func TestVerifySignatureNoSecretAccepts(t *testing.T) {
	svc := &Service{sharedSecret: ""}
	if !svc.VerifySignature("clk_abc", "") {
		t.Error("empty shared secret should accept any signature")
	}
}

func TestVerifySignatureMismatchRejects(t *testing.T) {
	svc := &Service{sharedSecret: "topsecret"}
	if svc.VerifySignature("clk_abc", "not-the-right-hash") {
		t.Error("expected signature mismatch to be rejected")
	}
}

func TestVerifySignatureMatchAccepts(t *testing.T) {
	svc := &Service{sharedSecret: "topsecret"}
	// hmacHex computes the HMAC-SHA256 of the click_id, hex-encoded: the
	// scheme VerifySignature checks against.
	valid := svc.VerifySignature("clk_abc", hmacHex("topsecret", "clk_abc"))
	if !valid {
		t.Error("expected matching signature to be accepted")
	}
}

func TestNewZoneSet(t *testing.T) {
	z := newZoneSet([]string{"zone_1", "zone_2"})
	if _, ok := z["zone_1"]; !ok {
		t.Error("expected zone_1 to be present")
	}
	if _, ok := z["zone_3"]; ok {
		t.Error("did not expect zone_3 to be present")
	}
}
