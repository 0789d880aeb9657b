// Package repocache keeps one persistent working tree per (organization,
// repository) pair and serializes agent access to it.
package repocache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"mend/internal/faults"
	"mend/internal/logging"
)

// AcquireParams identify and authenticate one workspace request.
type AcquireParams struct {
	OrganizationID string
	Repo           string // owner/name
	Ref            string // branch or commit to check out; empty keeps the default branch
	CloneURL       string
	Token          string // access token; held in memory only, passed to git via askpass
}

// Workspace is an exclusively held working tree. Release returns it to the
// cache; the path must not be used afterwards.
type Workspace struct {
	Path   string
	Policy *AccessPolicy

	mgr    *Manager
	key    string
	branch string
}

// Manager owns the cache directory tree and the per-repo locks.
type Manager struct {
	root       string
	cloneDepth int
	policy     *AccessPolicy
	git        gitRunner
	logger     logging.Logger

	mu    sync.Mutex
	locks map[string]*fifoLock
}

// NewManager constructs the cache manager rooted at dir.
func NewManager(dir string, cloneDepth int, policy *AccessPolicy, logger logging.Logger) *Manager {
	if cloneDepth <= 0 {
		cloneDepth = 1
	}
	if policy == nil {
		policy = NewAccessPolicy(nil, 0)
	}
	return &Manager{
		root:       dir,
		cloneDepth: cloneDepth,
		policy:     policy,
		git:        gitRunner{logger: logging.OrNop(logger)},
		logger:     logging.NewComponentLogger("RepoCache"),
		locks:      make(map[string]*fifoLock),
	}
}

// fifoLock grants exclusive holds in arrival order.
type fifoLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

func (l *fifoLock) acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.held && len(l.waiters) == 0 {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	ticket := make(chan struct{})
	l.waiters = append(l.waiters, ticket)
	l.mu.Unlock()

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ticket {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return faults.Wrap(faults.KindCacheBusy, ctx.Err(), "workspace busy")
			}
		}
		l.mu.Unlock()
		// The release raced the cancellation and the hold is ours; keep it.
		<-ticket
		return nil
	}
}

func (l *fifoLock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) == 0 {
		l.held = false
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(next)
}

func (m *Manager) lockFor(key string) *fifoLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &fifoLock{}
		m.locks[key] = l
	}
	return l
}

func cacheKey(org, repo string) string {
	return org + "/" + repo
}

// Acquire blocks until the repo's working tree is free, then syncs it to the
// requested ref and hands it over. A context deadline while waiting surfaces
// as a cache-busy fault, so callers can requeue rather than fail the task.
func (m *Manager) Acquire(ctx context.Context, params AcquireParams) (*Workspace, error) {
	if params.Repo == "" || params.CloneURL == "" {
		return nil, faults.New(faults.KindValidation, "repo and clone URL are required")
	}
	key := cacheKey(params.OrganizationID, params.Repo)
	lock := m.lockFor(key)
	if err := lock.acquire(ctx); err != nil {
		return nil, err
	}

	dir := filepath.Join(m.root, params.OrganizationID, filepath.FromSlash(params.Repo))
	if err := m.prepare(ctx, dir, params); err != nil {
		lock.release()
		return nil, err
	}

	return &Workspace{
		Path:   dir,
		Policy: m.policy,
		mgr:    m,
		key:    key,
		branch: params.Ref,
	}, nil
}

// prepare brings dir to a clean checkout of the requested ref, cloning on
// first use and re-cloning when the cached tree is corrupt.
func (m *Manager) prepare(ctx context.Context, dir string, params AcquireParams) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if err := m.clone(ctx, dir, params); err != nil {
			return err
		}
		return m.checkout(ctx, dir, params)
	}

	if err := m.sync(ctx, dir, params); err != nil {
		m.logger.Warn("cached tree for %s unusable, recreating: %v", Scrub(params.Repo), err)
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			return fmt.Errorf("remove corrupt cache %s: %w", dir, rmErr)
		}
		if err := m.clone(ctx, dir, params); err != nil {
			return err
		}
		return m.checkout(ctx, dir, params)
	}
	return nil
}

func (m *Manager) clone(ctx context.Context, dir string, params AcquireParams) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	args := []string{"clone", "--depth", fmt.Sprint(m.cloneDepth), "--no-single-branch", params.CloneURL, dir}
	if err := m.git.run(ctx, filepath.Dir(dir), params.Token, args...); err != nil {
		return err
	}
	m.logger.Info("cloned %s (depth %d)", Scrub(params.Repo), m.cloneDepth)
	return nil
}

func (m *Manager) sync(ctx context.Context, dir string, params AcquireParams) error {
	// The remote URL on disk carries no credentials; fetch authenticates
	// through the askpass helper.
	if err := m.git.run(ctx, dir, params.Token, "fetch", "--depth", fmt.Sprint(m.cloneDepth), "origin"); err != nil {
		return err
	}
	if err := m.checkout(ctx, dir, params); err != nil {
		return err
	}
	if err := m.git.run(ctx, dir, "", "reset", "--hard"); err != nil {
		return err
	}
	return m.git.run(ctx, dir, "", "clean", "-fdx")
}

func (m *Manager) checkout(ctx context.Context, dir string, params AcquireParams) error {
	if params.Ref == "" {
		return nil
	}
	if err := m.git.run(ctx, dir, "", "checkout", "--force", params.Ref); err != nil {
		return err
	}
	// A branch checkout also tracks the fetched tip.
	_ = m.git.run(ctx, dir, "", "reset", "--hard", "origin/"+params.Ref)
	return nil
}

// Release cleans transient state and frees the tree for the next holder.
// Branches created during the hold are deleted; the clone itself stays cached.
func (w *Workspace) Release(ctx context.Context) {
	m := w.mgr
	defer m.lockFor(w.key).release()

	_ = m.git.run(ctx, w.Path, "", "reset", "--hard")
	_ = m.git.run(ctx, w.Path, "", "clean", "-fdx")

	base := w.branch
	if base == "" {
		base = strings.TrimSpace(m.git.outputOrEmpty(ctx, w.Path, "", "rev-parse", "--abbrev-ref", "origin/HEAD"))
		base = strings.TrimPrefix(base, "origin/")
	}
	if base != "" {
		_ = m.git.run(ctx, w.Path, "", "checkout", "--force", base)
	}
	for _, branch := range splitLines(m.git.outputOrEmpty(ctx, w.Path, "", "branch", "--format=%(refname:short)")) {
		if branch == base {
			continue
		}
		_ = m.git.run(ctx, w.Path, "", "branch", "-D", branch)
	}
}

// ReadFile reads a file in the workspace through the access policy.
func (w *Workspace) ReadFile(relPath string) ([]byte, error) {
	return w.Policy.ReadFile(w.Path, relPath)
}
