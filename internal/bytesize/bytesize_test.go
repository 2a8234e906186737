package bytesize

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ByteSize
		wantErr bool
	}{
		// Plain numbers
		{"plain zero", "0", 0, false},
		{"plain bytes", "8192", 8192, false},
		{"plain large", "1073741824", 1073741824, false},

		// Binary units (×1024)
		{"kibibytes Ki", "1Ki", 1024, false},
		{"mebibytes MiB", "100MiB", 100 * MiB, false},
		{"gibibytes Gi", "1Gi", GiB, false},
		{"tebibytes TiB", "1TiB", TiB, false},

		// Decimal units (×1000)
		{"kilobytes KB", "1KB", 1000, false},
		{"megabytes M", "100M", 100 * MB, false},
		{"gigabytes GB", "1GB", GB, false},

		// Case and whitespace
		{"lowercase gi", "1gi", GiB, false},
		{"uppercase GI", "1GI", GiB, false},
		{"leading space", "  1Gi", GiB, false},
		{"space between", "1 Gi", GiB, false},

		// Floating point
		{"float mebibytes", "1.5Mi", ByteSize(1.5 * 1024 * 1024), false},
		{"float gibibytes", "0.5Gi", ByteSize(0.5 * 1024 * 1024 * 1024), false},

		// Typical cache arena sizes
		{"arena size", "256Mi", 256 * MiB, false},
		{"watermark", "10Gi", 10 * GiB, false},

		// Errors
		{"empty", "", 0, true},
		{"whitespace only", "   ", 0, true},
		{"unknown unit", "1XB", 0, true},
		{"no number", "Gi", 0, true},
		{"negative", "-1Gi", 0, true},
		{"garbage", "lots", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Parse(%q) expected error, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestUnmarshalText(t *testing.T) {
	var b ByteSize
	if err := b.UnmarshalText([]byte("64Mi")); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if b != 64*MiB {
		t.Errorf("Expected 64Mi, got %d", b)
	}

	if err := b.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("Expected error for invalid input")
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		size ByteSize
		want string
	}{
		{0, "0B"},
		{512, "512B"},
		{KiB, "1.00KiB"},
		{100 * MiB, "100.00MiB"},
		{GiB, "1.00GiB"},
		{ByteSize(1.5 * 1024 * 1024 * 1024 * 1024), "1.50TiB"},
	}

	for _, tt := range tests {
		if got := tt.size.String(); got != tt.want {
			t.Errorf("(%d).String() = %q, want %q", uint64(tt.size), got, tt.want)
		}
	}
}

func TestUint64(t *testing.T) {
	if got := (2 * GiB).Uint64(); got != 2*1024*1024*1024 {
		t.Errorf("Uint64() = %d", got)
	}
}
