package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunExecutesInStagingDir(t *testing.T) {
	staging := t.TempDir()
	o := &Orchestrator{}

	steps := []Step{
		{Line: 1, Command: "mkdir -p sky130A/libs.ref sky130A/libs.tech"},
		{Line: 2, Command: "echo done > sky130A/build.log"},
	}
	if err := o.Run(context.Background(), steps, staging, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(staging, "sky130A", "build.log"))
	if err != nil {
		t.Fatalf("step output missing: %v", err)
	}
	if strings.TrimSpace(string(data)) != "done" {
		t.Errorf("build.log = %q", data)
	}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	staging := t.TempDir()
	o := &Orchestrator{}

	steps := []Step{
		{Line: 1, Command: "touch before"},
		{Line: 2, Command: "echo boom >&2; exit 3"},
		{Line: 3, Command: "touch after"},
	}
	err := o.Run(context.Background(), steps, staging, nil)
	if !errors.Is(err, ErrStepFailed) {
		t.Fatalf("Run = %v, want ErrStepFailed", err)
	}

	var se *StepError
	if !errors.As(err, &se) {
		t.Fatalf("error is not a *StepError: %v", err)
	}
	if se.Index != 1 {
		t.Errorf("StepError.Index = %d, want 1", se.Index)
	}
	if se.ExitCode != 3 {
		t.Errorf("StepError.ExitCode = %d, want 3", se.ExitCode)
	}
	if !strings.Contains(se.Output, "boom") {
		t.Errorf("StepError.Output = %q, want step stderr captured", se.Output)
	}

	if _, err := os.Stat(filepath.Join(staging, "before")); err != nil {
		t.Error("step before the failure did not run")
	}
	if _, err := os.Stat(filepath.Join(staging, "after")); !os.IsNotExist(err) {
		t.Error("step after the failure ran")
	}
}

func TestRunExportsTargetConfig(t *testing.T) {
	staging := t.TempDir()
	o := &Orchestrator{}

	steps := []Step{{Line: 1, Command: `echo "$PDK_ENABLE_SRAM" > flag`}}
	config := map[string]string{"enable-sram": "yes"}
	if err := o.Run(context.Background(), steps, staging, config); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(staging, "flag"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "yes" {
		t.Errorf("PDK_ENABLE_SRAM = %q, want yes", data)
	}
}

func TestBuildFromLocalRecipe(t *testing.T) {
	dir := t.TempDir()
	staging := filepath.Join(dir, "staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatal(err)
	}

	recipe := strings.Join([]string{
		"# minimal source build",
		"mkdir -p ${variant}/libs.ref ${variant}/libs.tech",
		"%ifdef with-docs",
		"mkdir docs",
		"%endif",
	}, "\n")
	recipePath := filepath.Join(dir, "open_pdks.recipe")
	if err := os.WriteFile(recipePath, []byte(recipe), 0o644); err != nil {
		t.Fatal(err)
	}

	o := &Orchestrator{}
	config := map[string]string{"variant": "sky130A"}
	if err := o.Build(context.Background(), recipePath, config, staging); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, err := os.Stat(filepath.Join(staging, "sky130A", "libs.tech")); err != nil {
		t.Errorf("build did not produce expected layout: %v", err)
	}
	if _, err := os.Stat(filepath.Join(staging, "docs")); !os.IsNotExist(err) {
		t.Error("inactive conditional branch ran")
	}
}

func TestBuildEmptyRecipeFails(t *testing.T) {
	dir := t.TempDir()
	recipePath := filepath.Join(dir, "empty.recipe")
	if err := os.WriteFile(recipePath, []byte("# nothing\n%ifdef never\nmake\n%endif\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	o := &Orchestrator{}
	err := o.Build(context.Background(), recipePath, nil, dir)
	var pe *PreprocessError
	if !errors.As(err, &pe) {
		t.Fatalf("Build = %v, want *PreprocessError for an empty step list", err)
	}
}
