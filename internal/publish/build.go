package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/types"
)

const (
	// tailLimit bounds how much builder output a job result retains.
	// Failures land at the end of the stream, so the tail is what an
	// operator needs from `sv jobs show`.
	tailLimit = 64 * 1024

	buildLockRetry = 500 * time.Millisecond
)

// BuildResult is the stored outcome of one site build.
type BuildResult struct {
	Command           string `json:"command"`
	ExitCode          int    `json:"exit_code"`
	DurationMS        int64  `json:"duration_ms"`
	OutputDir         string `json:"output_dir"`
	ArticlesIndexed   int    `json:"articles_indexed"`
	CVEsIndexed       int    `json:"cves_indexed"`
	EventsIndexed     int    `json:"events_indexed"`
	EventsRepublished int    `json:"events_republished,omitempty"`
	StdoutTail        string `json:"stdout_tail,omitempty"`
	StderrTail        string `json:"stderr_tail,omitempty"`
}

// BuildSite refreshes the site content from the database, runs the
// external builder, and verifies the output. Builds are serialized by a
// cross-process file lock; the queue's idempotency key already coalesces
// queued builds, the lock covers a CLI build racing a worker.
//
// Events sitting in updating flip back to active once their refreshed
// pages are rendered and the builder has succeeded.
func (p *Publisher) BuildSite(ctx context.Context, rt *config.Runtime) (*BuildResult, error) {
	if err := os.MkdirAll(p.siteDir, 0o755); err != nil {
		return nil, types.Tag(types.KindTransient, fmt.Errorf("create site dir: %w", err))
	}
	lock := flock.New(p.lockPath())
	locked, err := lock.TryLockContext(ctx, buildLockRetry)
	if err != nil {
		return nil, types.Tag(types.KindTransient, fmt.Errorf("acquire build lock: %w", err))
	}
	if !locked {
		return nil, types.Tagf(types.KindTransient, "build lock is held by another process")
	}
	defer func() { _ = lock.Unlock() }()

	stats, err := p.refreshSiteContent(ctx)
	if err != nil {
		return nil, err
	}

	res, err := p.runBuilder(ctx, rt)
	if res != nil {
		res.ArticlesIndexed = stats.Articles
		res.CVEsIndexed = stats.CVEs
		res.EventsIndexed = stats.Events
	}
	if err != nil {
		return res, err
	}

	flipped, err := p.store.MarkEventsPublished(ctx)
	if err != nil {
		return res, err
	}
	res.EventsRepublished = flipped

	p.log.Info("site built",
		"duration_ms", res.DurationMS,
		"articles", res.ArticlesIndexed,
		"events", res.EventsIndexed,
		"republished", res.EventsRepublished)
	return res, nil
}

// runBuilder executes the configured builder command against the site
// directory. Failure modes are permanent: a broken template or a missing
// binary will not heal on retry, and the next content write enqueues a
// fresh build anyway.
func (p *Publisher) runBuilder(ctx context.Context, rt *config.Runtime) (*BuildResult, error) {
	builder := rt.Publish.BuilderCmd
	if builder == "" {
		builder = "hugo"
	}
	args := []string{
		"-s", p.siteDir,
		"-d", p.publicDir(),
		"--gc",
		"--cleanDestinationDir",
		"--cacheDir", p.cacheDir(),
	}
	if rt.Publish.SiteBaseURL != "" {
		args = append(args, "--baseURL", rt.Publish.SiteBaseURL)
	}
	if rt.Publish.Minify {
		args = append(args, "--minify")
	}

	stdout := newTailBuffer(tailLimit)
	stderr := newTailBuffer(tailLimit)
	cmd := exec.CommandContext(ctx, builder, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	res := &BuildResult{
		Command:    builder,
		OutputDir:  p.publicDir(),
		DurationMS: time.Since(start).Milliseconds(),
		StdoutTail: stdout.String(),
		StderrTail: stderr.String(),
	}

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, types.Tagf(types.KindPermanent,
			"%s exited %d\nstderr tail:\n%s", builder, res.ExitCode, res.StderrTail)
	}
	if runErr != nil {
		return res, types.Tagf(types.KindPermanent, "run %s: %v", builder, runErr)
	}

	// Exit 0 alone is not proof of output: a builder pointed at an empty
	// or misconfigured site can succeed while producing nothing.
	if _, err := os.Stat(filepath.Join(p.publicDir(), "index.html")); err != nil {
		return res, types.Tagf(types.KindPermanent,
			"%s exited 0 but %s has no index.html\nstderr tail:\n%s",
			builder, p.publicDir(), res.StderrTail)
	}
	return res, nil
}

// tailBuffer is an io.Writer that retains only the last limit bytes
// written to it.
type tailBuffer struct {
	limit int
	buf   []byte
	total int64
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.total += int64(len(p))
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

// String returns the retained tail, prefixed with a marker when earlier
// output was dropped.
func (t *tailBuffer) String() string {
	if t.total > int64(len(t.buf)) {
		return "[... output truncated ...]\n" + string(t.buf)
	}
	return string(t.buf)
}
