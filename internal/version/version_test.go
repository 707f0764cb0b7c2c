package version

import "testing"

func TestForTestingRestores(t *testing.T) {
	original := String()

	restore := ForTesting("1.2.3-test")
	if String() != "1.2.3-test" {
		t.Fatalf("override not applied: %q", String())
	}
	restore()
	if String() != original {
		t.Fatalf("original version not restored: %q", String())
	}
}
