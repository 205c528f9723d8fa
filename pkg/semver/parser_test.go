package semver

import (
	"testing"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantName  string
		wantRange string
		wantErr   bool
	}{
		{name: "no version", input: "grab.cube", wantName: "grab.cube"},
		{name: "major only", input: "grab.cube@2", wantName: "grab.cube", wantRange: "2"},
		{name: "exact", input: "grab.cube@2.1.0", wantName: "grab.cube", wantRange: "2.1.0"},
		{name: "caret", input: " grab.cube@^2.1.0 ", wantName: "grab.cube", wantRange: "^2.1.0"},
		{name: "comparison", input: "drop@>=1.0.0 <3.0.0", wantName: "drop", wantRange: ">=1.0.0 <3.0.0"},
		{name: "empty", input: "", wantErr: true},
		{name: "leading digit", input: "2grab", wantErr: true},
		{name: "empty range", input: "grab@", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ParseRef(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("semver:parser_test - expected error for %q, got %+v", tt.input, ref)
				}
				return
			}
			if err != nil {
				t.Fatalf("semver:parser_test - unexpected error: %v", err)
			}
			if ref.Name != tt.wantName {
				t.Errorf("semver:parser_test - Name = %q, want %q", ref.Name, tt.wantName)
			}
			if ref.Range != tt.wantRange {
				t.Errorf("semver:parser_test - Range = %q, want %q", ref.Range, tt.wantRange)
			}
		})
	}
}

func TestRef_String(t *testing.T) {
	if got := (&Ref{Name: "grab"}).String(); got != "grab" {
		t.Errorf("semver:parser_test - String() = %q, want grab", got)
	}
	if got := (&Ref{Name: "grab", Range: "^2"}).String(); got != "grab@^2" {
		t.Errorf("semver:parser_test - String() = %q, want grab@^2", got)
	}
}

func TestIsMajorOnly(t *testing.T) {
	for in, want := range map[string]bool{"3": true, "10": true, "3.0": false, "^3": false, "": false} {
		if got := IsMajorOnly(in); got != want {
			t.Errorf("semver:parser_test - IsMajorOnly(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestIsExactVersion(t *testing.T) {
	for in, want := range map[string]bool{"1.2.3": true, "1.2.3-rc.1": true, "1.2": false, "^1.2.3": false} {
		if got := IsExactVersion(in); got != want {
			t.Errorf("semver:parser_test - IsExactVersion(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestExtractMajorFromRange(t *testing.T) {
	if got := ExtractMajorFromRange("4"); got != 4 {
		t.Errorf("semver:parser_test - got %d, want 4", got)
	}
	if got := ExtractMajorFromRange("^4.0.0"); got != -1 {
		t.Errorf("semver:parser_test - got %d, want -1", got)
	}
}
