package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/dangazineu/kiln/internal/interfaces"
)

var (
	frameLinePattern = regexp.MustCompile(`^\s*File\s+".+",\s+line\s+\d+`)
	exitMarker       = regexp.MustCompile(`exited with code (-?\d+)`)

	evidenceKeywords = []string{"traceback", "exception", "syntaxerror", "failed", "critical", "error"}
)

// maxTailLines bounds the plain output a Scanner keeps for records that have
// nothing better to report.
const maxTailLines = 50

// Classifier turns container output into an ErrorRecord. The zero value has
// no ignore rules; use NewClassifier to configure them.
type Classifier struct {
	ignore []cel.Program
}

// defaultClassifier backs the package-level Classify and ClassifyTail.
var defaultClassifier = &Classifier{}

// NewClassifier compiles ignore rules. Each rule is a CEL expression over the
// string variable `line` and must evaluate to a bool.
func NewClassifier(ignoreRules []string) (*Classifier, error) {
	c := &Classifier{}
	if len(ignoreRules) == 0 {
		return c, nil
	}

	env, err := cel.NewEnv(cel.Variable("line", cel.StringType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %v", err)
	}

	for i, rule := range ignoreRules {
		ast, issues := env.Compile(rule)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("ignore rule %d: CEL compilation error: %v", i, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("ignore rule %d: CEL expression must return boolean, got %v", i, ast.OutputType())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("ignore rule %d: CEL program creation error: %v", i, err)
		}
		c.ignore = append(c.ignore, program)
	}
	return c, nil
}

// ignored reports whether any rule matches line. Evaluation errors count as
// no match.
func (c *Classifier) ignored(line string) bool {
	for _, program := range c.ignore {
		result, _, err := program.Eval(map[string]interface{}{"line": line})
		if err != nil || result.Type() != types.BoolType {
			continue
		}
		if matched, ok := result.Value().(bool); ok && matched {
			return true
		}
	}
	return false
}

// Classify scans a complete block of output using the default classifier.
func Classify(text string) *interfaces.ErrorRecord {
	return defaultClassifier.Classify(text)
}

// ClassifyTail applies keyword matching only, for periodic log tails.
func ClassifyTail(text string) *interfaces.ErrorRecord {
	return defaultClassifier.ClassifyTail(text)
}

// Classify scans text line by line. The exit code comes from a termination
// marker in the text, if any.
func (c *Classifier) Classify(text string) *interfaces.ErrorRecord {
	s := c.NewScanner(StageExecute.String())
	for _, line := range splitLines(text) {
		s.Feed(line)
	}
	return s.Finish(0, "")
}

// ClassifyTail returns a DockerExecutionError carrying every keyword line in
// text, or nil when there are none.
func (c *Classifier) ClassifyTail(text string) *interfaces.ErrorRecord {
	var evidence []string
	for _, line := range splitLines(text) {
		if c.ignored(line) {
			continue
		}
		if hasEvidenceKeyword(line) {
			evidence = append(evidence, line)
		}
	}
	if len(evidence) == 0 {
		return nil
	}
	return interfaces.NewErrorRecord(
		interfaces.KindDockerExecution,
		"error detected in container logs",
		strings.Join(evidence, "\n"),
		StageWatch.String(),
	)
}

// Scanner classifies output incrementally as lines arrive.
type Scanner struct {
	classifier *Classifier
	origin     string

	capturing bool
	block     []string
	evidence  []string
	tail      []string

	exitSeen bool
	exitCode int
}

// NewScanner returns a Scanner whose records carry origin.
func (c *Classifier) NewScanner(origin string) *Scanner {
	return &Scanner{classifier: c, origin: origin}
}

// Feed consumes one line and reports whether it was a termination marker.
func (s *Scanner) Feed(line string) bool {
	line = strings.TrimRight(line, "\r\n")

	terminated := false
	if m := exitMarker.FindStringSubmatch(line); m != nil {
		terminated = true
		s.exitSeen = true
		if code, err := strconv.Atoi(m[1]); err == nil {
			s.exitCode = code
		}
	}

	if s.classifier.ignored(line) {
		if terminated {
			s.capturing = false
		}
		return terminated
	}

	s.tail = append(s.tail, line)
	if len(s.tail) > maxTailLines {
		s.tail = s.tail[1:]
	}

	if hasEvidenceKeyword(line) {
		s.evidence = append(s.evidence, line)
	}

	switch {
	case s.capturing:
		s.block = append(s.block, line)
	case opensTrace(line):
		s.capturing = true
		s.block = append(s.block, line)
	}

	if terminated {
		s.capturing = false
	}
	return terminated
}

// Captured reports whether a stack trace block has been seen.
func (s *Scanner) Captured() bool {
	return len(s.block) > 0
}

// ExitCode returns the code from the last termination marker, if one was fed.
func (s *Scanner) ExitCode() (int, bool) {
	return s.exitCode, s.exitSeen
}

// Finish produces the record for everything fed so far. exitCode is the
// process status known to the caller; a non-zero marker code wins over a
// zero exitCode. fallback is used as details when the output itself holds no
// evidence.
func (s *Scanner) Finish(exitCode int, fallback string) *interfaces.ErrorRecord {
	code := exitCode
	if code == 0 && s.exitSeen {
		code = s.exitCode
	}

	if s.Captured() {
		return interfaces.NewErrorRecord(
			interfaces.KindDockerExecution,
			exitMessage("stack trace captured from container output", code),
			strings.Join(s.block, "\n"),
			s.origin,
		)
	}

	if code == 0 {
		return nil
	}

	message := fmt.Sprintf("container exited with code %d", code)
	switch {
	case len(s.evidence) > 0:
		return interfaces.NewErrorRecord(interfaces.KindDockerExecution, message, strings.Join(s.evidence, "\n"), s.origin)
	case strings.TrimSpace(fallback) != "":
		return interfaces.NewErrorRecord(interfaces.KindDockerExecution, message, strings.TrimSpace(fallback), s.origin)
	default:
		return interfaces.NewErrorRecord(interfaces.KindUnexpected, message, strings.Join(s.tail, "\n"), s.origin)
	}
}

func exitMessage(base string, code int) string {
	if code == 0 {
		return base
	}
	return fmt.Sprintf("%s (exit code %d)", base, code)
}

func opensTrace(line string) bool {
	return frameLinePattern.MatchString(line) ||
		strings.Contains(line, "Traceback") ||
		strings.Contains(line, "SyntaxError")
}

func hasEvidenceKeyword(line string) bool {
	lower := strings.ToLower(line)
	for _, keyword := range evidenceKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

func splitLines(text string) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
