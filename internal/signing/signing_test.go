package signing

import "testing"

func TestSigner(t *testing.T) {
	secret := []byte("topsecret")
	s := NewSigner(secret)
	sig := s.Sign("job-123", 1700000000)
	if len(sig) == 0 {
		t.Fatalf("expected signature")
	}
	if !s.Validate("job-123", "1700000000", sig) {
		t.Fatalf("expected signature to validate")
	}
	if s.Validate("other-job", "1700000000", sig) {
		t.Fatalf("expected validation to fail for wrong transcription id")
	}
	if s.Validate("job-123", "42", sig) {
		t.Fatalf("expected validation to fail for wrong expiry")
	}
	if s.Validate("job-123", "not-a-number", sig) {
		t.Fatalf("expected validation to fail for malformed expiry")
	}
}
