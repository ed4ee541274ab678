package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

// capture redirects logger output to buffers for the duration of fn.
func capture(fn func()) (stdout, stderr string) {
	var out, errOut bytes.Buffer
	SetOutput(&out, &errOut)
	defer SetOutput(nil, nil)
	fn()
	return out.String(), errOut.String()
}

func resetLogging(t *testing.T) {
	t.Helper()
	ResetPackageLevels()
	if err := Initialize("info"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"Warn", WARN, false},
		{"warning", WARN, false},
		{"error", ERROR, false},
		{"fatal", FATAL, false},
		{"verbose", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q): expected error, got %v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLevel(%q): unexpected error %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	resetLogging(t)

	logger := GetLogger("test.filter")
	stdout, _ := capture(func() {
		logger.Debug("hidden")
		logger.Info("visible")
	})

	if strings.Contains(stdout, "hidden") {
		t.Errorf("debug line emitted at info level: %q", stdout)
	}
	if !strings.Contains(stdout, "visible") {
		t.Errorf("info line missing: %q", stdout)
	}
}

func TestErrorGoesToStderr(t *testing.T) {
	resetLogging(t)

	logger := GetLogger("test.stderr")
	stdout, stderr := capture(func() {
		logger.Error("boom")
	})

	if stdout != "" {
		t.Errorf("error line leaked to stdout: %q", stdout)
	}
	if !strings.Contains(stderr, "[ERROR]") || !strings.Contains(stderr, "boom") {
		t.Errorf("stderr missing error line: %q", stderr)
	}
}

func TestPackageLevelOverride(t *testing.T) {
	resetLogging(t)
	if err := SetPackageLevels(map[string]string{"snapshot.differ": "debug"}); err != nil {
		t.Fatalf("SetPackageLevels: %v", err)
	}
	defer ResetPackageLevels()

	quiet := GetLogger("postgres.client")
	loud := GetLogger("snapshot.differ")

	stdout, _ := capture(func() {
		quiet.Debug("quiet-debug")
		loud.Debug("loud-debug")
	})

	if strings.Contains(stdout, "quiet-debug") {
		t.Errorf("override leaked to other package: %q", stdout)
	}
	if !strings.Contains(stdout, "loud-debug") {
		t.Errorf("override not applied: %q", stdout)
	}
}

func TestPackageLevelWildcard(t *testing.T) {
	resetLogging(t)
	if err := SetPackageLevels(map[string]string{"snapshot.*": "debug"}); err != nil {
		t.Fatalf("SetPackageLevels: %v", err)
	}
	defer ResetPackageLevels()

	logger := GetLogger("snapshot.differ")
	stdout, _ := capture(func() {
		logger.Debug("wildcard-debug")
	})
	if !strings.Contains(stdout, "wildcard-debug") {
		t.Errorf("wildcard override not applied: %q", stdout)
	}

	// The more specific exact entry must win over the wildcard.
	if err := SetPackageLevels(map[string]string{"snapshot.*": "debug", "snapshot.differ": "error"}); err != nil {
		t.Fatalf("SetPackageLevels: %v", err)
	}
	stdout, _ = capture(func() {
		logger.Debug("should-not-appear")
	})
	if strings.Contains(stdout, "should-not-appear") {
		t.Errorf("exact override did not win over wildcard: %q", stdout)
	}
}

func TestWithFieldsAreImmutable(t *testing.T) {
	resetLogging(t)

	base := GetLogger("test.fields")
	child := base.WithField("env_id", "abc123")

	stdout, _ := capture(func() {
		base.Info("plain")
	})
	if strings.Contains(stdout, "env_id") {
		t.Errorf("parent logger inherited child field: %q", stdout)
	}

	stdout, _ = capture(func() {
		child.Info("tagged")
	})
	if !strings.Contains(stdout, "env_id=abc123") {
		t.Errorf("child field missing: %q", stdout)
	}
}

func TestInfoWithFieldsSortedOutput(t *testing.T) {
	resetLogging(t)

	logger := GetLogger("test.sorted")
	stdout, _ := capture(func() {
		logger.InfoWithFields("batch", Field("zeta", 1), Field("alpha", 2))
	})

	alphaIdx := strings.Index(stdout, "alpha=2")
	zetaIdx := strings.Index(stdout, "zeta=1")
	if alphaIdx < 0 || zetaIdx < 0 {
		t.Fatalf("fields missing from output: %q", stdout)
	}
	if alphaIdx > zetaIdx {
		t.Errorf("fields not sorted: %q", stdout)
	}
}

func TestWithContextCarriesTraceID(t *testing.T) {
	resetLogging(t)

	ctx := context.WithValue(context.Background(), TraceIDKey(), "trace-1")
	logger := GetLogger("test.ctx").WithContext(ctx)

	stdout, _ := capture(func() {
		logger.Info("traced")
	})
	if !strings.Contains(stdout, "trace_id=trace-1") {
		t.Errorf("trace id missing: %q", stdout)
	}
}

func TestFatalCallsExit(t *testing.T) {
	resetLogging(t)

	exitCode := -1
	orig := exitFunc
	exitFunc = func(code int) { exitCode = code }
	defer func() { exitFunc = orig }()

	_, stderr := capture(func() {
		GetLogger("test.fatal").Fatal("going down")
	})

	if exitCode != 1 {
		t.Errorf("Fatal exit code = %d, want 1", exitCode)
	}
	if !strings.Contains(stderr, "[FATAL]") {
		t.Errorf("stderr missing fatal line: %q", stderr)
	}
}

func TestCloneFieldsIndependence(t *testing.T) {
	src := map[string]interface{}{"a": 1}
	dst := cloneFields(src)
	dst["b"] = 2
	if _, ok := src["b"]; ok {
		t.Error("cloneFields returned a map sharing storage with the source")
	}
}
