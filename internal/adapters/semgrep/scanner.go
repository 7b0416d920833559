package semgrep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"repowatch/internal/domain"
)

const (
	defaultTool      = "semgrep"
	defaultRuleset   = "p/default"
	defaultKillGrace = 10 * time.Second
	maxDiagnostics   = 16 * 1024
)

type Option func(s *Scanner)

func WithTool(path string) Option {
	return func(s *Scanner) {
		s.tool = path
	}
}

func WithRuleset(ruleset string) Option {
	return func(s *Scanner) {
		s.ruleset = ruleset
	}
}

// WithExtraArgs appends args after the fixed flags and before the target path.
func WithExtraArgs(args ...string) Option {
	return func(s *Scanner) {
		s.extraArgs = args
	}
}

// WithKillGrace bounds how long Scan may block after ctx is done while the
// killed process group releases its output pipes.
func WithKillGrace(d time.Duration) Option {
	return func(s *Scanner) {
		s.killGrace = d
	}
}

func WithTempDir(dir string) Option {
	return func(s *Scanner) {
		s.tempDir = dir
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Scanner) {
		s.clock = c
	}
}

// Scanner runs `<tool> scan --config <ruleset> --json --output <file> <path>`
// and decodes the output file. The scan deadline comes from ctx.
type Scanner struct {
	tool      string
	ruleset   string
	extraArgs []string
	killGrace time.Duration
	tempDir   string
	clock     clockwork.Clock
}

func New(opts ...Option) *Scanner {
	s := &Scanner{
		tool:      defaultTool,
		ruleset:   defaultRuleset,
		killGrace: defaultKillGrace,
		clock:     clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scanner) Scan(ctx context.Context, repo domain.Repository) (domain.FindingsDocument, error) {
	out, err := os.CreateTemp(s.tempDir, "repowatch-*.json")
	if err != nil {
		return domain.FindingsDocument{}, fmt.Errorf("create output file: %w", err)
	}
	outPath := out.Name()
	_ = out.Close()
	defer os.Remove(outPath)

	args := []string{"scan", "--config", s.ruleset, "--json", "--output", outPath}
	args = append(args, s.extraArgs...)
	args = append(args, repo.LocalPath)

	cmd := exec.CommandContext(ctx, s.tool, args...)
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		terminateCommandProcess(cmd)
		return nil
	}
	cmd.WaitDelay = s.killGrace
	diag := &boundedBuffer{limit: maxDiagnostics}
	cmd.Stdout = diag
	cmd.Stderr = diag

	zap.S().Named("scanner").Debugw("running analysis tool", "repository", repo.Name, "tool", s.tool, "args", args)
	if err := cmd.Run(); err != nil {
		return domain.FindingsDocument{}, s.classify(ctx, cmd, err, diag.String())
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return domain.FindingsDocument{}, &domain.ParseError{Err: fmt.Errorf("read output file: %w", err)}
	}
	findings, toolErrors, err := parseOutput(data, repo.LocalPath)
	if err != nil {
		return domain.FindingsDocument{}, err
	}
	if toolErrors > 0 {
		zap.S().Named("scanner").Warnw("analysis tool reported errors", "repository", repo.Name, "errors", toolErrors)
	}
	return domain.FindingsDocument{
		RepositoryName: repo.Name,
		GeneratedAt:    s.clock.Now().UTC(),
		Findings:       findings,
	}, nil
}

func (s *Scanner) classify(ctx context.Context, cmd *exec.Cmd, err error, output string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &domain.ToolExecutionError{
			ExitCode: -1,
			Output:   output,
			TimedOut: errors.Is(ctxErr, context.DeadlineExceeded),
			Err:      ctxErr,
		}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &domain.ToolExecutionError{ExitCode: exitErr.ExitCode(), Output: output, Err: err}
	}
	// never started: missing binary, not executable, bad path
	if cmd.ProcessState == nil {
		return &domain.ToolUnavailableError{Tool: s.tool, Err: err}
	}
	return &domain.ToolExecutionError{ExitCode: cmd.ProcessState.ExitCode(), Output: output, Err: err}
}

// boundedBuffer keeps the first limit bytes of diagnostic output and drops
// the rest so a chatty tool cannot grow memory without bound.
type boundedBuffer struct {
	limit     int
	buf       []byte
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	s := strings.TrimSpace(string(b.buf))
	if b.truncated {
		s += " [truncated]"
	}
	return s
}
