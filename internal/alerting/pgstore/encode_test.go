package pgstore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/linnemanlabs/warden/internal/alerting"
	"github.com/linnemanlabs/warden/internal/seal"
)

func testBox(t *testing.T, fill byte) *seal.Box {
	t.Helper()
	b, err := seal.New(bytes.Repeat([]byte{fill}, seal.KeySize))
	if err != nil {
		t.Fatalf("seal.New: %v", err)
	}
	return b
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	ev := alerting.Evidence{KPIValues: map[string]float64{"orphan_accounts": 12}}

	t.Run("plain", func(t *testing.T) {
		t.Parallel()
		s := &Store{}
		data, err := s.encode(ev, "v-1")
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if !bytes.Contains(data, []byte("orphan_accounts")) {
			t.Errorf("plain payload = %s", data)
		}
		var got alerting.Evidence
		if err := s.decode(data, "v-1", &got); err != nil || got.KPIValues["orphan_accounts"] != 12 {
			t.Fatalf("decode = %+v, %v", got, err)
		}
	})

	t.Run("sealed", func(t *testing.T) {
		t.Parallel()
		s := &Store{box: testBox(t, 1)}
		data, err := s.encode(ev, "v-1")
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if bytes.Contains(data, []byte("orphan_accounts")) {
			t.Fatalf("sealed payload leaks plaintext: %s", data)
		}
		var got alerting.Evidence
		if err := s.decode(data, "v-1", &got); err != nil || got.KPIValues["orphan_accounts"] != 12 {
			t.Fatalf("decode = %+v, %v", got, err)
		}
		// a payload copied onto another row does not open
		if err := s.decode(data, "v-2", &got); !errors.Is(err, seal.ErrOpen) {
			t.Errorf("decode under other id = %v, want seal.ErrOpen", err)
		}
		if err := (&Store{}).decode(data, "v-1", &got); err == nil {
			t.Error("decode of sealed payload without a key succeeded")
		}
		if err := (&Store{box: testBox(t, 2)}).decode(data, "v-1", &got); !errors.Is(err, seal.ErrOpen) {
			t.Errorf("decode under other key = %v, want seal.ErrOpen", err)
		}
	})

	t.Run("plain rows stay readable with a key", func(t *testing.T) {
		t.Parallel()
		plain, _ := (&Store{}).encode(&alerting.AlertRecord{ID: "a-1", Title: "t"}, "a-1")
		var got alerting.AlertRecord
		if err := (&Store{box: testBox(t, 1)}).decode(plain, "a-1", &got); err != nil || got.Title != "t" {
			t.Fatalf("decode = %+v, %v", got, err)
		}
	})
}
