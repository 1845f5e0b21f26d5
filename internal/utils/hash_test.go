package utils

import "testing"

func TestFingerprintSeparatesParts(t *testing.T) {
	if Fingerprint("ab", "c") == Fingerprint("a", "bc") {
		t.Fatalf("expected distinct fingerprints for different splits")
	}
	if Fingerprint("x", "y") != Fingerprint("x", "y") {
		t.Fatalf("expected stable fingerprint")
	}
}
