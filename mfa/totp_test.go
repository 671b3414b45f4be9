package mfa

import (
	"testing"
	"time"
)

func rfcCodec(digits int, algorithm string, skew int) *totpCodec {
	return &totpCodec{
		issuer:    "authcore",
		digits:    digits,
		period:    30,
		skew:      skew,
		algorithm: algorithm,
	}
}

func TestTOTPVerifyRFCVectorsSHA1(t *testing.T) {
	codec := rfcCodec(8, "SHA1", 0)
	secret := []byte("12345678901234567890")
	cases := []struct {
		ts   int64
		code string
	}{
		{59, "94287082"},
		{1111111109, "07081804"},
		{1111111111, "14050471"},
		{1234567890, "89005924"},
		{2000000000, "69279037"},
		{20000000000, "65353130"},
	}

	for _, tc := range cases {
		ok, _, err := codec.verifyCode(secret, tc.code, time.Unix(tc.ts, 0))
		if err != nil || !ok {
			t.Fatalf("SHA1 vector failed at t=%d, ok=%v err=%v", tc.ts, ok, err)
		}
	}
}

func TestTOTPVerifyRFCVectorsSHA256(t *testing.T) {
	codec := rfcCodec(8, "SHA256", 0)
	secret := []byte("12345678901234567890123456789012")
	cases := []struct {
		ts   int64
		code string
	}{
		{59, "46119246"},
		{1111111109, "68084774"},
		{1111111111, "67062674"},
		{1234567890, "91819424"},
		{2000000000, "90698825"},
		{20000000000, "77737706"},
	}

	for _, tc := range cases {
		ok, _, err := codec.verifyCode(secret, tc.code, time.Unix(tc.ts, 0))
		if err != nil || !ok {
			t.Fatalf("SHA256 vector failed at t=%d, ok=%v err=%v", tc.ts, ok, err)
		}
	}
}

func TestTOTPVerifyRFCVectorsSHA512(t *testing.T) {
	codec := rfcCodec(8, "SHA512", 0)
	secret := []byte("1234567890123456789012345678901234567890123456789012345678901234")
	cases := []struct {
		ts   int64
		code string
	}{
		{59, "90693936"},
		{1111111109, "25091201"},
		{1111111111, "99943326"},
		{1234567890, "93441116"},
		{2000000000, "38618901"},
		{20000000000, "47863826"},
	}

	for _, tc := range cases {
		ok, _, err := codec.verifyCode(secret, tc.code, time.Unix(tc.ts, 0))
		if err != nil || !ok {
			t.Fatalf("SHA512 vector failed at t=%d, ok=%v err=%v", tc.ts, ok, err)
		}
	}
}

func TestTOTPDriftWindowAcceptsAdjacentStep(t *testing.T) {
	codec := rfcCodec(6, "SHA1", 1)
	secret := []byte("12345678901234567890")
	now := time.Unix(1234567890, 0)

	prevCounter := (now.Unix() / 30) - 1
	code, err := hotpCode(secret, prevCounter, 6, "SHA1")
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}

	ok, counter, err := codec.verifyCode(secret, code, now)
	if err != nil || !ok {
		t.Fatalf("expected skew code accepted, ok=%v err=%v", ok, err)
	}
	if counter != prevCounter {
		t.Fatalf("expected matched counter %d, got %d", prevCounter, counter)
	}
}

func TestTOTPOutsideDriftWindowRejected(t *testing.T) {
	codec := rfcCodec(6, "SHA1", 1)
	secret := []byte("12345678901234567890")
	now := time.Unix(1234567890, 0)

	staleCounter := (now.Unix() / 30) - 2
	code, err := hotpCode(secret, staleCounter, 6, "SHA1")
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}

	ok, _, err := codec.verifyCode(secret, code, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected two-step-old code to be rejected")
	}
}

func TestTOTPWrongDigitsRejected(t *testing.T) {
	codec := rfcCodec(6, "SHA1", 1)
	secret := []byte("12345678901234567890")

	ok, _, err := codec.verifyCode(secret, "12345678", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected wrong-length code to be rejected")
	}

	ok, _, err = codec.verifyCode(secret, "12a456", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected non-numeric code to be rejected")
	}
}
