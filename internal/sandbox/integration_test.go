//go:build integration

package sandbox

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"judge-sandbox/internal/config"
	"judge-sandbox/internal/monitor"
)

// setupIntegration wires a Service against whatever runtime the host offers.
// Tests skip when neither containerd nor Docker is reachable.
func setupIntegration(t *testing.T) *Service {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Sandbox.Timeout = 10 * time.Second
	return newIntegrationService(t, cfg)
}

func newIntegrationService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()

	cfg.Sandbox.WorkspaceDir = t.TempDir()
	cfg.Sandbox.OrphanSweepInterval = 0
	cfg.Sandbox.PullImagesOnStart = true
	if b := os.Getenv(config.EnvBackend); b != "" {
		cfg.Sandbox.Backend = b
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	svc, err := NewFromConfig(ctx, cfg, monitor.NewMetrics(), monitor.NewTracer())
	if err != nil {
		t.Skipf("container runtime not available: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc
}

func TestIntegration_Languages(t *testing.T) {
	svc := setupIntegration(t)

	tests := []struct {
		language string
		code     string
		want     string
	}{
		{"python", "print('hello from python')", "hello from python"},
		{"javascript", "console.log('hello from node')", "hello from node"},
		{"c", "#include <stdio.h>\nint main(){puts(\"hello from c\");return 0;}", "hello from c"},
		{"cpp", "#include <iostream>\nint main(){std::cout<<\"hello from cpp\"<<std::endl;}", "hello from cpp"},
		{"java", "public class Main { public static void main(String[] a){ System.out.println(\"hello from java\"); } }", "hello from java"},
		{"go", "package main\nimport \"fmt\"\nfunc main(){ fmt.Println(\"hello from go\") }", "hello from go"},
	}
	for _, tt := range tests {
		t.Run(tt.language, func(t *testing.T) {
			res := svc.Execute(context.Background(), tt.language, tt.code)
			require.Empty(t, res.ErrorKind, res.Error)
			require.NotNil(t, res.ExitStatus)
			assert.Equal(t, 0, *res.ExitStatus)
			assert.Contains(t, res.Stdout, tt.want)
		})
	}
}

func TestIntegration_ExactOutput(t *testing.T) {
	svc := setupIntegration(t)

	tests := []struct {
		language string
		code     string
		want     string
	}{
		{"python", "print('hello')", "hello\n"},
		{"cpp", "#include<iostream>\nint main(){std::cout<<1+1;}", "2"},
	}
	for _, tt := range tests {
		t.Run(tt.language, func(t *testing.T) {
			res := svc.Execute(context.Background(), tt.language, tt.code)
			require.Empty(t, res.ErrorKind, res.Error)
			require.NotNil(t, res.ExitStatus)
			assert.Equal(t, 0, *res.ExitStatus)
			assert.Equal(t, tt.want, res.Stdout)
		})
	}
}

func TestIntegration_NonZeroExit(t *testing.T) {
	svc := setupIntegration(t)

	res := svc.Execute(context.Background(), "python", "import sys\nprint('before')\nsys.exit(7)")

	assert.Empty(t, res.ErrorKind)
	require.NotNil(t, res.ExitStatus)
	assert.Equal(t, 7, *res.ExitStatus)
	assert.Contains(t, res.Stdout, "before")
}

func TestIntegration_StderrIsCaptured(t *testing.T) {
	svc := setupIntegration(t)

	res := svc.Execute(context.Background(), "python", "raise ValueError('boom')")

	assert.Empty(t, res.ErrorKind)
	require.NotNil(t, res.ExitStatus)
	assert.NotEqual(t, 0, *res.ExitStatus)
	assert.Contains(t, res.Stdout, "ValueError: boom")
}

func TestIntegration_Timeout(t *testing.T) {
	svc := setupIntegration(t)

	start := time.Now()
	res := svc.Execute(context.Background(), "python", "import time\nprint('started', flush=True)\ntime.sleep(60)")

	assert.Less(t, time.Since(start), 30*time.Second, "deadline not enforced")
	assert.Equal(t, KindTimeout, res.ErrorKind)
	assert.GreaterOrEqual(t, res.Elapsed, 10*time.Second)
}

// endless holds a program that never terminates for every registered language.
var endless = map[string]string{
	"python":     "while True: pass",
	"javascript": "while (true) {}",
	"c":          "int main(){for(;;);}",
	"cpp":        "int main(){for(;;);}",
	"java":       "public class Main { public static void main(String[] a){ while (true) {} } }",
	"go":         "package main\nfunc main(){ for {} }",
}

func TestIntegration_TimeoutEveryLanguage(t *testing.T) {
	svc := setupIntegration(t)

	for _, lang := range svc.Languages() {
		t.Run(lang, func(t *testing.T) {
			code, ok := endless[lang]
			require.True(t, ok, "no endless program for %s", lang)

			start := time.Now()
			res := svc.Execute(context.Background(), lang, code)

			assert.Equal(t, KindTimeout, res.ErrorKind, res.Error)
			assert.Nil(t, res.ExitStatus)
			assert.GreaterOrEqual(t, res.Elapsed, 10*time.Second)
			assert.Less(t, time.Since(start), 40*time.Second, "deadline not enforced")
		})
	}

	_, live := svc.Stats()
	assert.Zero(t, live, "units left behind")
}

func TestIntegration_TimeoutFromEnvironment(t *testing.T) {
	t.Setenv(config.EnvTimeout, "1")
	cfg, err := config.FromEnv()
	require.NoError(t, err)
	svc := newIntegrationService(t, cfg)

	res := svc.Execute(context.Background(), "python", "while True: pass")

	assert.Equal(t, KindTimeout, res.ErrorKind, res.Error)
	assert.GreaterOrEqual(t, res.Elapsed, time.Second)
	assert.Less(t, res.Elapsed, 4*time.Second, "elapsed should stay close to the 1s deadline")
}

func TestIntegration_MemoryCeiling(t *testing.T) {
	svc := setupIntegration(t)

	// Roughly 1GB of touched pages against a 128m ceiling.
	res := svc.Execute(context.Background(), "python", "chunks = []\nfor _ in range(1024):\n    chunks.append(b'x' * (1 << 20))\nprint('allocated')")

	if res.ErrorKind == "" {
		require.NotNil(t, res.ExitStatus)
		assert.NotEqual(t, 0, *res.ExitStatus, "allocation beyond the ceiling succeeded")
		assert.NotContains(t, res.Stdout, "allocated")
		return
	}
	assert.Equal(t, KindMemoryExceeded, res.ErrorKind, res.Error)
}

func TestIntegration_Unsupported(t *testing.T) {
	svc := setupIntegration(t)

	res := svc.Execute(context.Background(), "bash", "echo hi")
	assert.Equal(t, KindUnsupportedLanguage, res.ErrorKind)
}

func TestIntegration_Isolation(t *testing.T) {
	svc := setupIntegration(t)

	tests := []struct {
		name string
		code string
	}{
		{"read shadow", "print(open('/etc/shadow').read())"},
		{"write rootfs", "open('/pwned.txt', 'w').write('x')"},
		{"network", "import socket\nsocket.create_connection(('1.1.1.1', 53), timeout=2)"},
		{"docker socket", "import os\nos.stat('/var/run/docker.sock')"},
		{"mount", "import ctypes\nassert ctypes.CDLL(None).mount(b'none', b'/mnt', b'tmpfs', 0, None) == 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := svc.Execute(context.Background(), "python", tt.code)
			require.Empty(t, res.ErrorKind, res.Error)
			require.NotNil(t, res.ExitStatus)
			assert.NotEqual(t, 0, *res.ExitStatus, "escape attempt succeeded: %s", res.Stdout)
		})
	}
}

func TestIntegration_ForkBombIsContained(t *testing.T) {
	svc := setupIntegration(t)

	res := svc.Execute(context.Background(), "python", "import os\nwhile True:\n    os.fork()")
	assert.Contains(t, []ErrorKind{"", KindTimeout, KindMemoryExceeded}, res.ErrorKind)
}

func TestIntegration_ConcurrentRunsAreDistinct(t *testing.T) {
	svc := setupIntegration(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []ExecutionResult
	)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := svc.Execute(context.Background(), "python", "import socket\nprint(socket.gethostname())")
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	ids := make(map[string]bool)
	for _, res := range results {
		require.Empty(t, res.ErrorKind, res.Error)
		ids[res.ID] = true
		assert.NotEmpty(t, strings.TrimSpace(res.Stdout))
	}
	assert.Len(t, ids, 3)

	_, live := svc.Stats()
	assert.Zero(t, live, "units left behind")
}

func TestIntegration_ContainerdReleasesFIFOs(t *testing.T) {
	svc := setupIntegration(t)
	if svc.Backend() != "containerd" {
		t.Skip("FIFO sets are specific to containerd")
	}
	const fifoDir = "/run/containerd/fifo"
	count := func() int {
		entries, err := os.ReadDir(fifoDir)
		if os.IsNotExist(err) {
			return 0
		}
		require.NoError(t, err)
		return len(entries)
	}
	before := count()

	for _, code := range []string{"print('ok')", "import sys\nsys.exit(2)", "print(undefined)"} {
		res := svc.Execute(context.Background(), "python", code)
		require.Empty(t, res.ErrorKind, res.Error)
	}

	assert.Eventually(t, func() bool { return count() <= before }, 5*time.Second, 100*time.Millisecond,
		"FIFO directories leaked: %d before, %d after", before, count())
}
