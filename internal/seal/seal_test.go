package seal

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, KeySize)
}

func TestSealOpen(t *testing.T) {
	t.Parallel()

	b, err := New(testKey(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	plain := []byte(`{"kpi_values":{"orphan_accounts":12}}`)

	sealed := b.Seal(plain, []byte("v-1"))
	if bytes.Contains(sealed, []byte("orphan_accounts")) {
		t.Fatal("sealed payload contains plaintext")
	}
	got, err := b.Open(sealed, []byte("v-1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("Open = %q, want %q", got, plain)
	}

	if again := b.Seal(plain, []byte("v-1")); bytes.Equal(again, sealed) {
		t.Error("two seals of the same payload are identical, nonce not random")
	}
}

func TestOpen_Rejects(t *testing.T) {
	t.Parallel()

	b, _ := New(testKey(1))
	other, _ := New(testKey(2))
	sealed := b.Seal([]byte("payload"), []byte("a-1"))

	tampered := bytes.Clone(sealed)
	tampered[len(tampered)-1] ^= 0xff

	tests := []struct {
		name string
		box  *Box
		data []byte
		aad  string
	}{
		{"wrong aad", b, sealed, "a-2"},
		{"wrong key", other, sealed, "a-1"},
		{"tampered", b, tampered, "a-1"},
		{"truncated", b, sealed[:10], "a-1"},
		{"empty", b, nil, "a-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tt.box.Open(tt.data, []byte(tt.aad)); !errors.Is(err, ErrOpen) {
				t.Errorf("Open error = %v, want ErrOpen", err)
			}
		})
	}
}

func TestParseKey(t *testing.T) {
	t.Parallel()

	raw := testKey(7)
	tests := []struct {
		name    string
		in      string
		wantErr string
	}{
		{"std", base64.StdEncoding.EncodeToString(raw), ""},
		{"url raw", base64.RawURLEncoding.EncodeToString(raw), ""},
		{"short", base64.StdEncoding.EncodeToString(raw[:16]), "16 bytes"},
		{"not base64", "!!!not-a-key!!!", "not valid base64"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			key, err := ParseKey(tt.in)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("ParseKey error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil || !bytes.Equal(key, raw) {
				t.Fatalf("ParseKey = %x, %v", key, err)
			}
		})
	}
}

func TestNew_BadKey(t *testing.T) {
	t.Parallel()

	if _, err := New(make([]byte, 16)); err == nil {
		t.Fatal("New accepted a 16-byte key")
	}
}

func FuzzOpen(f *testing.F) {
	b, _ := New(testKey(3))
	f.Add(b.Seal([]byte("x"), nil), []byte(nil))
	f.Add([]byte{}, []byte("aad"))

	f.Fuzz(func(t *testing.T, data, aad []byte) {
		// arbitrary input must never panic
		_, _ = b.Open(data, aad)
	})
}
