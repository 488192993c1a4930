package build

import (
	"errors"
	"testing"
)

func commands(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Command
	}
	return out
}

func TestPreprocess(t *testing.T) {
	tests := map[string]struct {
		recipe string
		config map[string]string
		want   []string
	}{
		"plain steps pass through": {
			recipe: "./configure\nmake\nmake install",
			want:   []string{"./configure", "make", "make install"},
		},
		"comments and blanks dropped": {
			recipe: "# build the pdk\n\nmake\n",
			want:   []string{"make"},
		},
		"ifdef taken": {
			recipe: "%ifdef sram\nmake sram\n%endif\nmake",
			config: map[string]string{"sram": "1"},
			want:   []string{"make sram", "make"},
		},
		"ifdef skipped": {
			recipe: "%ifdef sram\nmake sram\n%endif\nmake",
			want:   []string{"make"},
		},
		"ifndef": {
			recipe: "%ifndef sram\nmake minimal\n%endif",
			want:   []string{"make minimal"},
		},
		"ifeq with else": {
			recipe: "%ifeq variant A\nmake variant-a\n%else\nmake variant-b\n%endif",
			config: map[string]string{"variant": "B"},
			want:   []string{"make variant-b"},
		},
		"ifneq": {
			recipe: "%ifneq platform linux\necho cross\n%endif",
			config: map[string]string{"platform": "linux"},
			want:   nil,
		},
		"nested conditionals": {
			recipe: "%ifdef a\n%ifdef b\nboth\n%else\nonly-a\n%endif\n%endif",
			config: map[string]string{"a": "1"},
			want:   []string{"only-a"},
		},
		"inactive outer suppresses inner": {
			recipe: "%ifdef missing\n%ifdef a\nx\n%endif\ny\n%endif",
			config: map[string]string{"a": "1"},
			want:   nil,
		},
		"variable expansion": {
			recipe: "make -j${jobs} PREFIX=${prefix}",
			config: map[string]string{"jobs": "8", "prefix": "/opt/pdk"},
			want:   []string{"make -j8 PREFIX=/opt/pdk"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			steps, err := Preprocess(tc.recipe, tc.config)
			if err != nil {
				t.Fatalf("Preprocess: %v", err)
			}
			got := commands(steps)
			if len(got) != len(tc.want) {
				t.Fatalf("steps = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("step %d = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestPreprocessErrors(t *testing.T) {
	tests := map[string]struct {
		recipe   string
		wantLine int
	}{
		"unknown directive":       {recipe: "%frobnicate x", wantLine: 1},
		"else without if":         {recipe: "make\n%else", wantLine: 2},
		"endif without if":        {recipe: "%endif", wantLine: 1},
		"duplicate else":          {recipe: "%ifdef a\n%else\n%else\n%endif", wantLine: 3},
		"unterminated block":      {recipe: "%ifdef a\nmake", wantLine: 2},
		"ifdef missing key":       {recipe: "%ifdef", wantLine: 1},
		"ifeq missing value":      {recipe: "%ifeq key", wantLine: 1},
		"undefined expansion key": {recipe: "make -j${jobs}", wantLine: 1},
		"unterminated reference":  {recipe: "make ${jobs", wantLine: 1},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Preprocess(tc.recipe, nil)
			var pe *PreprocessError
			if !errors.As(err, &pe) {
				t.Fatalf("Preprocess = %v, want *PreprocessError", err)
			}
			if pe.Line != tc.wantLine {
				t.Errorf("error line = %d, want %d (reason: %s)", pe.Line, tc.wantLine, pe.Reason)
			}
		})
	}
}

func TestPreprocessIsPure(t *testing.T) {
	recipe := "%ifdef x\nmake x\n%endif\nmake ${target}"
	config := map[string]string{"x": "1", "target": "all"}

	first, err := Preprocess(recipe, config)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Preprocess(recipe, config)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatal("repeated preprocessing diverged")
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("step %d diverged: %+v vs %+v", i, first[i], second[i])
		}
	}
}
