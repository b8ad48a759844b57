// bytes_test.go - Unit Tests fuer die Byte-Formatierung
package format

import "testing"

func TestHumanBytes2(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{MebiByte, "1.0 MiB"},
		{3 * MebiByte / 2, "1.5 MiB"},
		{GibiByte, "1.0 GiB"},
		{3 * GibiByte / 2, "1.5 GiB"},
		{TebiByte, "1.0 TiB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := HumanBytes2(tt.in); got != tt.want {
				t.Errorf("HumanBytes2(%d) = %q, erwartet %q", tt.in, got, tt.want)
			}
		})
	}
}
