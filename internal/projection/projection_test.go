package projection

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"
)

func TestComputeScenarios(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		start  float64
		growth float64
		want   [Size]float64
	}{
		{
			name:   "ten percent",
			start:  1000,
			growth: 0.10,
			want:   [Size]float64{1000.00, 1100.00, 1210.00, 1331.00, 1464.10, 1610.51, 1771.56, 1948.72, 2143.59, 2357.95, 2593.74, 2853.12},
		},
		{
			name:   "flat",
			start:  500,
			growth: 0,
			want:   [Size]float64{500, 500, 500, 500, 500, 500, 500, 500, 500, 500, 500, 500},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Compute(tt.start, tt.growth)
			if len(got) != Size {
				t.Fatalf("len = %d, want %d", len(got), Size)
			}
			for i := range got {
				if Round2(got[i]) != tt.want[i] {
					t.Fatalf("%s = %.2f, want %.2f", Months[i], got[i], tt.want[i])
				}
			}
			if err := got.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
		})
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	eleven := make(Projection, 11)
	withNaN := Compute(1, 0)
	withNaN[3] = math.NaN()
	withInf := Compute(1, 0)
	withInf[11] = math.Inf(-1)

	for name, p := range map[string]Projection{
		"nil":    nil,
		"empty":  {},
		"eleven": eleven,
		"nan":    withNaN,
		"inf":    withInf,
	} {
		if err := p.Validate(); !errors.Is(err, ErrInvalidProjection) {
			t.Fatalf("%s: err = %v, want ErrInvalidProjection", name, err)
		}
	}
}

func TestSnapshotEqualIgnoresSeq(t *testing.T) {
	t.Parallel()
	a := Snapshot{Seq: 1, Set: true, UpdatedAt: time.Now()}
	a.Values[0] = 42
	b := a
	b.Seq = 2
	b.UpdatedAt = a.UpdatedAt.Add(time.Second)
	if !a.Equal(b) {
		t.Fatal("expected snapshots with same values to be equal")
	}
	b.Values[0] = 43
	if a.Equal(b) {
		t.Fatal("expected snapshots with different values to differ")
	}
	if (Snapshot{}).Equal(Snapshot{Set: true}) {
		t.Fatal("unset must differ from a zero-valued set projection")
	}
}

type wirePayload struct {
	Seq       uint64 `json:"seq"`
	Set       bool   `json:"set"`
	UpdatedAt string `json:"updated_at"`
	Points    []struct {
		Month string  `json:"month"`
		Value float64 `json:"value"`
	} `json:"points"`
}

func TestMarshalSnapshot(t *testing.T) {
	t.Parallel()
	s := Snapshot{Seq: 7, Set: true, UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	copy(s.Values[:], Compute(1000, 0.10))

	b, err := MarshalSnapshot(s)
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}
	var got wirePayload
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("payload is not JSON: %v (%s)", err, b)
	}
	if got.Seq != 7 || !got.Set || got.UpdatedAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected header: %+v", got)
	}
	if len(got.Points) != Size {
		t.Fatalf("points = %d, want %d", len(got.Points), Size)
	}
	if got.Points[0].Month != "Jan" || got.Points[11].Month != "Dec" {
		t.Fatalf("month order broken: %s..%s", got.Points[0].Month, got.Points[11].Month)
	}
	if got.Points[5].Value != 1610.51 {
		t.Fatalf("Jun = %v, want 1610.51", got.Points[5].Value)
	}
}

func TestMarshalSnapshotUnset(t *testing.T) {
	t.Parallel()
	b, err := MarshalSnapshot(Snapshot{})
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}
	if string(b) != `{"seq":0,"set":false,"points":null}` {
		t.Fatalf("unexpected unset payload: %s", b)
	}
}
