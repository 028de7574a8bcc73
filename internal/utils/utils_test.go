package utils

import "testing"

func TestConvertStrToInt(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0x1000", 0x1000, false},
		{"FFFFFFF007004000", 0xfffffff007004000, false},
		{"4096", 4096, false},
		{"zz", 0, true},
	}
	for _, tt := range tests {
		got, err := ConvertStrToInt(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ConvertStrToInt(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ConvertStrToInt(%q) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}

func TestHexBytes(t *testing.T) {
	if got := HexBytes([]byte{0x1f, 0x20, 0x03, 0xd5}); got != "1f 20 03 d5" {
		t.Errorf("HexBytes() = %q", got)
	}
	if got := HexBytes(nil); got != "" {
		t.Errorf("HexBytes(nil) = %q", got)
	}
}
