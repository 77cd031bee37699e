package secure

import "testing"

func TestHash(t *testing.T) {
	tests := []struct {
		alg     HashAlg
		payload string
		want    string
	}{
		{SHA1, "abc", "a9993e364706816aba3e25717850c26c9cd0d89d"},
		{SHA256, "abc", "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
	}
	for _, tt := range tests {
		t.Run(string(tt.alg), func(t *testing.T) {
			if got := Hash(tt.payload, tt.alg); got != tt.want {
				t.Errorf("Hash() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHMAC(t *testing.T) {
	// RFC 4231 test case 2
	got := HMAC("what do ya want for nothing?", []byte("Jefe"), SHA256)
	want := "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843"
	if got != want {
		t.Errorf("HMAC(SHA256) = %s, want %s", got, want)
	}

	// RFC 2202 test case 2
	got = HMAC("what do ya want for nothing?", []byte("Jefe"), SHA1)
	want = "effcdf6ae5eb2fa2d27416d5f184df9c259a7c79"
	if got != want {
		t.Errorf("HMAC(SHA1) = %s, want %s", got, want)
	}
}

func TestParseHashAlg(t *testing.T) {
	tests := map[string]HashAlg{
		"SHA1":    SHA1,
		"sha1":    SHA1,
		"SHA-1":   SHA1,
		"SHA256":  SHA256,
		"":        SHA256,
		"unknown": SHA256,
	}
	for in, want := range tests {
		if got := ParseHashAlg(in); got != want {
			t.Errorf("ParseHashAlg(%q) = %s, want %s", in, got, want)
		}
	}
}
