package main

import "testing"

func TestOutputFormatSetRejectsUnknownValue(t *testing.T) {
	var f outputFormat
	if err := f.Set("xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if err := f.Set("yaml"); err != nil {
		t.Fatalf("Set(yaml): %v", err)
	}
	if f != formatYAML {
		t.Fatalf("expected format %q, got %q", formatYAML, f)
	}
}

func TestRenderRowsYAMLFormat(t *testing.T) {
	old := statusFormat
	statusFormat = formatYAML
	defer func() { statusFormat = old }()

	rows := [][]string{{"NAME", "STATE"}, {"tank", "ACTIVE"}}
	if err := renderRows(rows); err != nil {
		t.Fatalf("renderRows: %v", err)
	}
}
