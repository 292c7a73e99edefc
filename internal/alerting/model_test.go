package alerting

import (
	"encoding/json"
	"testing"
)

func TestParseSeverity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Severity
		wantErr bool
	}{
		{"LOW", SeverityLow, false},
		{"medium", SeverityMedium, false},
		{" High ", SeverityHigh, false},
		{"critical", SeverityCritical, false},
		{"", SeverityNone, false},
		{"severe", SeverityNone, true},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSeverity(%q) = %s, %v; want %s, err %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestSeverity_JSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(struct {
		S Severity `json:"s"`
	}{SeverityCritical})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `{"s":"CRITICAL"}` {
		t.Errorf("Marshal = %s", b)
	}

	var out struct {
		S Severity `json:"s"`
	}
	if err := json.Unmarshal([]byte(`{"s":"high"}`), &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.S != SeverityHigh {
		t.Errorf("Unmarshal = %s, want HIGH", out.S)
	}
	if err := json.Unmarshal([]byte(`{"s":"urgent"}`), &out); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestMaxSeverity(t *testing.T) {
	t.Parallel()

	if got := MaxSeverity(SeverityLow, SeverityCritical, SeverityMedium); got != SeverityCritical {
		t.Errorf("MaxSeverity = %s", got)
	}
	if got := MaxSeverity(); got != SeverityNone {
		t.Errorf("MaxSeverity() = %s, want NONE", got)
	}
}

func TestAlertRecord_CloneIsDeep(t *testing.T) {
	t.Parallel()

	at := t0
	a := &AlertRecord{
		ID:          "a-1",
		Channels:    []string{"slack"},
		Attempts:    []ChannelAttempt{{Channel: "slack", State: AttemptDelivered}},
		DeliveredAt: &at,
	}
	cp := a.Clone()
	cp.Channels[0] = "email"
	cp.Attempts[0].State = AttemptFailed
	*cp.DeliveredAt = at.Add(1)

	if a.Channels[0] != "slack" || a.Attempts[0].State != AttemptDelivered || !a.DeliveredAt.Equal(t0) {
		t.Error("Clone shares state with the original")
	}
}

func TestChannelAttempt_DeliveryResult(t *testing.T) {
	t.Parallel()

	ok := ChannelAttempt{Channel: "email", State: AttemptDelivered, Attempts: 2, FinishedAt: t0}.DeliveryResult()
	if !ok.Success || ok.Retries != 2 || !ok.DeliveredAt.Equal(t0) {
		t.Errorf("delivered result = %+v", ok)
	}
	bad := ChannelAttempt{Channel: "slack", State: AttemptFailed, Attempts: 3, LastError: "boom", FinishedAt: t0}.DeliveryResult()
	if bad.Success || bad.Error != "boom" || !bad.DeliveredAt.IsZero() {
		t.Errorf("failed result = %+v", bad)
	}
}
