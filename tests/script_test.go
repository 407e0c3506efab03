// Package tests runs end-to-end CLI scenarios against a real sv binary.
//
// Each testdata/*.txt file is a script in the rsc.io/script language: sv
// invocations interleaved with stdout/stderr assertions. Every script gets
// its own working directory and its own database (via SV_DATA_DIR), so
// scenarios are independent and can run in parallel.
package tests

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"rsc.io/script"
)

var (
	buildOnce sync.Once
	svBinary  string
	buildErr  error
)

// buildSV compiles cmd/sv once per test run and returns the binary path.
func buildSV(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		root, err := repoRoot()
		if err != nil {
			buildErr = err
			return
		}
		dir, err := os.MkdirTemp("", "sv-script-test")
		if err != nil {
			buildErr = err
			return
		}
		bin := filepath.Join(dir, "sv")
		if runtime.GOOS == "windows" {
			bin += ".exe"
		}
		cmd := exec.Command("go", "build", "-o", bin, "./cmd/sv")
		cmd.Dir = root
		if out, err := cmd.CombinedOutput(); err != nil {
			buildErr = fmt.Errorf("go build ./cmd/sv: %v\n%s", err, out)
			return
		}
		svBinary = bin
	})
	if buildErr != nil {
		t.Fatalf("build sv binary: %v", buildErr)
	}
	return svBinary
}

// repoRoot walks up from this file's directory to the module root.
func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found above %s", dir)
		}
		dir = parent
	}
}

func TestCLIScripts(t *testing.T) {
	if testing.Short() {
		t.Skip("script tests build and exec the sv binary")
	}
	bin := buildSV(t)

	files, err := filepath.Glob(filepath.Join("testdata", "*.txt"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "no scripts under testdata")

	for _, file := range files {
		file := file
		name := strings.TrimSuffix(filepath.Base(file), ".txt")
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			runScript(t, bin, file)
		})
	}
}

func runScript(t *testing.T, bin, file string) {
	t.Helper()

	work := t.TempDir()
	copyFixtures(t, filepath.Join("testdata", "fixtures"), work)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	engine := script.NewEngine()
	engine.Quiet = !testing.Verbose()
	engine.Cmds["sv"] = script.Program(bin, nil, 100*time.Millisecond)

	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + work,
		"WORK=" + work,
		"SV_DATA_DIR=" + filepath.Join(work, "data"),
		"SV_SITE_DIR=" + filepath.Join(work, "site"),
		"NO_COLOR=1",
	}
	state, err := script.NewState(ctx, work, env)
	require.NoError(t, err)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	var log bytes.Buffer
	err = engine.Execute(state, file, bufio.NewReader(bytes.NewReader(data)), &log)
	if closeErr := state.CloseAndWait(&log); err == nil {
		err = closeErr
	}
	if err != nil {
		t.Fatalf("script failed: %v\n%s", err, log.String())
	}
	if testing.Verbose() {
		t.Log(log.String())
	}
}

// copyFixtures seeds the script working directory with shared fixture files.
func copyFixtures(t *testing.T, from, to string) {
	t.Helper()
	entries, err := os.ReadDir(from)
	require.NoError(t, err)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(from, e.Name()))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(to, e.Name()), data, 0o644))
	}
}
