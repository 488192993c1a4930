package build

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/pdkman/pdkman/pkg/fetch"
)

// maxStepOutput bounds the captured output kept from a failed step.
const maxStepOutput = 4096

// ErrStepFailed is the sentinel wrapped by StepError.
var ErrStepFailed = errors.New("build step failed")

// StepError reports the first failing build step. The staging directory
// is left in whatever partial state the step produced; callers must not
// promote it.
type StepError struct {
	Index    int
	Command  string
	ExitCode int
	Output   string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) exited with code %d", e.Index, e.Command, e.ExitCode)
}

// Unwrap returns ErrStepFailed so callers can classify with errors.Is.
func (e *StepError) Unwrap() error { return ErrStepFailed }

// Orchestrator drives a source build: load the recipe, preprocess it
// against the target configuration, and execute the steps inside the
// staging directory. A successful build leaves staging layout-equivalent
// to a decoded prebuilt artifact.
type Orchestrator struct {
	// Fetcher retrieves recipes referenced by URL. Required only when
	// recipe sources are remote.
	Fetcher *fetch.Fetcher
	// Logger receives per-step progress. Defaults to the package-level
	// charmbracelet logger.
	Logger *log.Logger
}

func (o *Orchestrator) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

// Build runs the full two-phase build into stagingDir.
func (o *Orchestrator) Build(ctx context.Context, recipeSource string, config map[string]string, stagingDir string) error {
	recipe, err := o.loadRecipe(ctx, recipeSource)
	if err != nil {
		return fmt.Errorf("loading recipe %s: %w", recipeSource, err)
	}

	steps, err := Preprocess(recipe, config)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return &PreprocessError{Line: 0, Reason: "recipe produced no build steps for this target"}
	}

	return o.Run(ctx, steps, stagingDir, config)
}

// Run executes steps sequentially with working directory stagingDir,
// aborting on the first failure. The target configuration is exported to
// each step's environment with a PDK_ prefix.
func (o *Orchestrator) Run(ctx context.Context, steps []Step, stagingDir string, config map[string]string) error {
	env := stepEnv(config)

	for i, step := range steps {
		o.logger().Info("running build step", "step", i+1, "total", len(steps), "command", step.Command)

		cmd := exec.CommandContext(ctx, "sh", "-c", step.Command)
		cmd.Dir = stagingDir
		cmd.Env = env

		out, err := cmd.CombinedOutput()
		if err != nil {
			exitCode := -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			}
			return &StepError{
				Index:    i,
				Command:  step.Command,
				ExitCode: exitCode,
				Output:   tail(string(out), maxStepOutput),
			}
		}
	}
	return nil
}

// loadRecipe reads the recipe text from a local path or an HTTPS URL.
func (o *Orchestrator) loadRecipe(ctx context.Context, source string) (string, error) {
	if u, err := url.Parse(source); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		if o.Fetcher == nil {
			return "", fmt.Errorf("remote recipe %s: no fetcher configured", source)
		}
		tmpDir, err := os.MkdirTemp("", "pdkman-recipe-*")
		if err != nil {
			return "", fmt.Errorf("creating recipe temp dir: %w", err)
		}
		defer os.RemoveAll(tmpDir)

		dest := filepath.Join(tmpDir, "recipe")
		if _, err := o.Fetcher.Fetch(ctx, source, dest, 0); err != nil {
			return "", err
		}
		data, err := os.ReadFile(dest)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// stepEnv extends the process environment with PDK_<KEY>=<value> for
// every target configuration entry, in sorted order for determinism.
func stepEnv(config map[string]string) []string {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := os.Environ()
	for _, k := range keys {
		name := "PDK_" + strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
		env = append(env, name+"="+config[k])
	}
	return env
}

// tail returns at most n trailing bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
