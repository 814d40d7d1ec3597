package dirs

import (
	"path/filepath"
	"testing"
)

func TestRuntimeDir_EnvOverride(t *testing.T) {
	t.Setenv("JOBCLUSTER_RUNTIME_DIR", "/tmp/jc-test")

	if got := RuntimeDir(); got != "/tmp/jc-test" {
		t.Fatalf("RuntimeDir() = %q, want /tmp/jc-test", got)
	}
	if got := MetricsDir(); got != filepath.Join("/tmp/jc-test", "metrics") {
		t.Errorf("MetricsDir() = %q", got)
	}
	if got := PIDFile(); got != filepath.Join("/tmp/jc-test", "jobcluster.pid") {
		t.Errorf("PIDFile() = %q", got)
	}
}

func TestRuntimeDir_XDG(t *testing.T) {
	t.Setenv("JOBCLUSTER_RUNTIME_DIR", "")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/4242")

	if got := RuntimeDir(); got != "/run/user/4242/jobcluster" {
		t.Fatalf("RuntimeDir() = %q, want /run/user/4242/jobcluster", got)
	}
}
