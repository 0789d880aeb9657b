package repocache

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"mend/internal/logging"
)

// credentialPattern matches userinfo embedded in remote URLs so it can be
// scrubbed from anything that might reach a log line or error message.
var credentialPattern = regexp.MustCompile(`(https?://)[^/@\s]+@`)

// Scrub removes credential material from a string.
func Scrub(s string) string {
	return credentialPattern.ReplaceAllString(s, "${1}***@")
}

// gitRunner executes git with an ephemeral askpass helper so the access token
// never appears in argv, git config, or the on-disk remote URL.
type gitRunner struct {
	logger logging.Logger
}

// askpassScript answers every credential prompt with the token from the
// process environment.
const askpassScript = "#!/bin/sh\ncase \"$1\" in\n  Username*) echo \"x-access-token\" ;;\n  *) echo \"$MEND_GIT_TOKEN\" ;;\nesac\n"

func (g gitRunner) run(ctx context.Context, dir, token string, args ...string) error {
	_, err := g.output(ctx, dir, token, args...)
	return err
}

func (g gitRunner) output(ctx context.Context, dir, token string, args ...string) (string, error) {
	g.logger.Debug("git %s (dir %s)", Scrub(strings.Join(args, " ")), dir)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	if token != "" {
		helper, cleanup, err := writeAskpass()
		if err != nil {
			return "", err
		}
		defer cleanup()
		cmd.Env = append(cmd.Env, "GIT_ASKPASS="+helper, "MEND_GIT_TOKEN="+token)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s",
			Scrub(strings.Join(args, " ")), err, Scrub(stderr.String()))
	}
	return string(out), nil
}

func (g gitRunner) outputOrEmpty(ctx context.Context, dir, token string, args ...string) string {
	out, err := g.output(ctx, dir, token, args...)
	if err != nil {
		return ""
	}
	return out
}

func writeAskpass() (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "mend-askpass-*.sh")
	if err != nil {
		return "", nil, fmt.Errorf("create askpass helper: %w", err)
	}
	name := f.Name()
	if _, err := f.WriteString(askpassScript); err != nil {
		f.Close()
		os.Remove(name)
		return "", nil, fmt.Errorf("write askpass helper: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", nil, err
	}
	if err := os.Chmod(name, 0o700); err != nil {
		os.Remove(name)
		return "", nil, err
	}
	return name, func() { os.Remove(filepath.Clean(name)) }, nil
}

func splitLines(raw string) []string {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	var out []string
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
