package sync

import "testing"

func TestDiff(t *testing.T) {
	current := map[string]interface{}{
		"UF_VIN":   "XW8ED45",
		"UF_YEAR":  "2019",
		"UF_USER":  "555",
		"UF_NOTES": nil,
	}
	candidate := map[string]interface{}{
		"UF_VIN":   "XW8ED46",   // changed
		"UF_YEAR":  int64(2019), // equal after canonicalization
		"UF_USER":  float64(555),
		"UF_NOTES": "",
		"UF_NEW":   "hello", // absent from current
	}

	diff := Diff(current, candidate)

	if len(diff) != 2 {
		t.Fatalf("Diff() = %v, want 2 entries", diff)
	}
	if diff["UF_VIN"] != "XW8ED46" {
		t.Errorf("UF_VIN missing from diff: %v", diff)
	}
	if diff["UF_NEW"] != "hello" {
		t.Errorf("UF_NEW missing from diff: %v", diff)
	}
}

func TestDiff_NoChanges(t *testing.T) {
	current := map[string]interface{}{"UF_A": "x", "UF_B": float64(7)}
	candidate := map[string]interface{}{"UF_A": "x", "UF_B": "7"}
	if diff := Diff(current, candidate); len(diff) != 0 {
		t.Errorf("Diff() = %v, want empty", diff)
	}
}
