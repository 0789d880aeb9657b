package repocache

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"mend/internal/faults"
)

// defaultSensitivePaths are blocked from agent reads in every workspace.
var defaultSensitivePaths = []string{
	".env",
	".git/config",
	"secrets/",
	".ssh/",
}

// AccessPolicy gates file reads inside a workspace.
type AccessPolicy struct {
	sensitivePaths []string
	maxReadBytes   int64
}

// NewAccessPolicy builds a policy from configured patterns (merged with the
// defaults) and a per-file read cap. A pattern is an exact path, a directory
// prefix, or a path.Match glob such as "*.pem".
func NewAccessPolicy(sensitivePaths []string, maxReadBytes int64) *AccessPolicy {
	patterns := append([]string(nil), defaultSensitivePaths...)
	for _, p := range sensitivePaths {
		p = strings.TrimSpace(p)
		if p != "" {
			patterns = append(patterns, p)
		}
	}
	if maxReadBytes <= 0 {
		maxReadBytes = 10 << 20
	}
	return &AccessPolicy{sensitivePaths: patterns, maxReadBytes: maxReadBytes}
}

// Check rejects paths escaping the workspace or matching a sensitive pattern.
func (p *AccessPolicy) Check(relPath string) error {
	clean := filepath.ToSlash(filepath.Clean(relPath))
	if clean == ".." || strings.HasPrefix(clean, "../") || filepath.IsAbs(relPath) {
		return faults.New(faults.KindAccessDenied, "path escapes workspace: %s", relPath)
	}
	base := path.Base(clean)
	for _, pattern := range p.sensitivePaths {
		pattern = filepath.ToSlash(pattern)
		if strings.ContainsAny(pattern, "*?[") {
			if ok, _ := path.Match(pattern, clean); ok {
				return faults.New(faults.KindAccessDenied, "access-denied: %s", clean)
			}
			// A bare glob like "*.pem" applies to the file name at any depth.
			if !strings.Contains(pattern, "/") {
				if ok, _ := path.Match(pattern, base); ok {
					return faults.New(faults.KindAccessDenied, "access-denied: %s", clean)
				}
			}
			continue
		}
		if clean == strings.TrimSuffix(pattern, "/") || strings.HasPrefix(clean, strings.TrimSuffix(pattern, "/")+"/") {
			return faults.New(faults.KindAccessDenied, "access-denied: %s", clean)
		}
	}
	return nil
}

// ReadFile reads a workspace file subject to the policy. Files over the read
// cap fail rather than truncate.
func (p *AccessPolicy) ReadFile(root, relPath string) ([]byte, error) {
	if err := p.Check(relPath); err != nil {
		return nil, err
	}
	full := filepath.Join(root, relPath)
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, faults.New(faults.KindNotFound, "no such file: %s", relPath)
		}
		return nil, err
	}
	if info.Size() > p.maxReadBytes {
		return nil, faults.New(faults.KindValidation, "too-large: %s is %d bytes (cap %d)", relPath, info.Size(), p.maxReadBytes)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, p.maxReadBytes))
}
