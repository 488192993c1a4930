package build

import (
	"fmt"
	"strings"
)

// Step is one concrete build command produced by preprocessing, tagged
// with its source line for diagnostics.
type Step struct {
	Line    int
	Command string
}

// PreprocessError reports malformed conditional syntax in a recipe.
type PreprocessError struct {
	Line   int
	Reason string
}

func (e *PreprocessError) Error() string {
	return fmt.Sprintf("recipe line %d: %s", e.Line, e.Reason)
}

// cond tracks one open conditional block during preprocessing.
type cond struct {
	active bool // lines in the current branch are emitted
	taken  bool // some branch of this block already matched
	elsed  bool // %else already seen
}

// Preprocess resolves a recipe's conditional directives against a flat
// key/value target configuration, producing the concrete step sequence.
// It is a pure function: no filesystem, no network, no side effects.
//
// Directives occupy whole lines and start with '%':
//
//	%ifdef KEY         — branch taken when KEY is set
//	%ifndef KEY        — branch taken when KEY is unset
//	%ifeq KEY VALUE    — branch taken when config[KEY] == VALUE
//	%ifneq KEY VALUE   — branch taken when config[KEY] != VALUE
//	%else / %endif
//
// Non-directive lines in an active branch become steps after ${KEY}
// expansion. '#' lines are comments.
func Preprocess(recipe string, config map[string]string) ([]Step, error) {
	var steps []Step
	var stack []cond

	active := func() bool {
		for _, c := range stack {
			if !c.active {
				return false
			}
		}
		return true
	}

	lines := strings.Split(recipe, "\n")
	for i, raw := range lines {
		lineNo := i + 1
		line := strings.TrimSpace(raw)

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "%") {
			if err := applyDirective(&stack, line, lineNo, config); err != nil {
				return nil, err
			}
			continue
		}

		if !active() {
			continue
		}

		expanded, err := expand(line, lineNo, config)
		if err != nil {
			return nil, err
		}
		steps = append(steps, Step{Line: lineNo, Command: expanded})
	}

	if len(stack) > 0 {
		return nil, &PreprocessError{Line: len(lines), Reason: "unterminated conditional block"}
	}
	return steps, nil
}

func applyDirective(stack *[]cond, line string, lineNo int, config map[string]string) error {
	fields := strings.Fields(line)
	directive := fields[0]

	push := func(match bool) {
		*stack = append(*stack, cond{active: match, taken: match})
	}

	switch directive {
	case "%ifdef", "%ifndef":
		if len(fields) != 2 {
			return &PreprocessError{Line: lineNo, Reason: fmt.Sprintf("%s expects exactly one key", directive)}
		}
		_, defined := config[fields[1]]
		push(defined == (directive == "%ifdef"))

	case "%ifeq", "%ifneq":
		if len(fields) != 3 {
			return &PreprocessError{Line: lineNo, Reason: fmt.Sprintf("%s expects a key and a value", directive)}
		}
		eq := config[fields[1]] == fields[2]
		push(eq == (directive == "%ifeq"))

	case "%else":
		if len(*stack) == 0 {
			return &PreprocessError{Line: lineNo, Reason: "%else outside a conditional block"}
		}
		top := &(*stack)[len(*stack)-1]
		if top.elsed {
			return &PreprocessError{Line: lineNo, Reason: "duplicate %else"}
		}
		top.elsed = true
		top.active = !top.taken
		top.taken = true

	case "%endif":
		if len(*stack) == 0 {
			return &PreprocessError{Line: lineNo, Reason: "%endif outside a conditional block"}
		}
		*stack = (*stack)[:len(*stack)-1]

	default:
		return &PreprocessError{Line: lineNo, Reason: fmt.Sprintf("unknown directive %s", directive)}
	}
	return nil
}

// expand substitutes ${KEY} references from the configuration. Unknown
// keys are errors rather than silent empty strings: a recipe referencing
// a key the target config does not define is malformed for that target.
func expand(line string, lineNo int, config map[string]string) (string, error) {
	var out strings.Builder
	for {
		start := strings.Index(line, "${")
		if start < 0 {
			out.WriteString(line)
			return out.String(), nil
		}
		end := strings.Index(line[start:], "}")
		if end < 0 {
			return "", &PreprocessError{Line: lineNo, Reason: "unterminated ${...} reference"}
		}
		key := line[start+2 : start+end]
		val, ok := config[key]
		if !ok {
			return "", &PreprocessError{Line: lineNo, Reason: fmt.Sprintf("undefined configuration key %q", key)}
		}
		out.WriteString(line[:start])
		out.WriteString(val)
		line = line[start+end+1:]
	}
}
