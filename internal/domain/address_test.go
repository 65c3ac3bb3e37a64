package domain

import "testing"

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{"baseline:0", Address{Batch: "baseline", RunID: 0}, false},
		{"baseline:12", Address{Batch: "baseline", RunID: 12}, false},
		{"with-dash_1:3", Address{Batch: "with-dash_1", RunID: 3}, false},
		{":4", Address{Batch: "", RunID: 4}, false},
		{"baseline", Address{}, true},
		{"baseline:", Address{}, true},
		{"baseline:x", Address{}, true},
		{"baseline:-1", Address{}, true},
		{"baseline:+1", Address{}, true},
		{"baseline: 1", Address{}, true},
		{"a:b:1", Address{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAddress(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseAddress(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestAddressString(t *testing.T) {
	a := Address{Batch: "baseline", RunID: 7}
	if a.String() != "baseline:7" {
		t.Errorf("String() = %q, want baseline:7", a.String())
	}
	parsed, err := ParseAddress(FormatAddress("retry", 2))
	if err != nil || parsed != (Address{Batch: "retry", RunID: 2}) {
		t.Errorf("ParseAddress(FormatAddress) = %+v, %v", parsed, err)
	}
}
