package config

import "testing"

func TestDefaultOptions(t *testing.T) {
	o := Default()
	if o.Threads != 1 {
		t.Errorf("default Threads = %d, want 1", o.Threads)
	}
	if o.BuildID != BuildIDNone {
		t.Errorf("default BuildID = %q, want %q", o.BuildID, BuildIDNone)
	}
	if !o.Relax {
		t.Error("default Relax should be true")
	}
}

func TestHasZ(t *testing.T) {
	o := Default()
	o.ZOptions = []ZOption{ZNow, ZRelro}

	if !o.HasZ(ZNow) {
		t.Error("expected HasZ(ZNow) to be true")
	}
	if o.HasZ(ZLazy) {
		t.Error("expected HasZ(ZLazy) to be false")
	}
}

func TestApplyEnvOverridesBuildID(t *testing.T) {
	t.Setenv("ELD_BUILD_ID", "sha1")
	o := Default()
	o.ApplyEnvOverrides()

	if o.BuildID != BuildIDSHA1 {
		t.Errorf("BuildID = %q, want %q after ELD_BUILD_ID=sha1", o.BuildID, BuildIDSHA1)
	}
}

func TestApplyEnvOverridesThreads(t *testing.T) {
	t.Setenv("ELD_THREADS", "8")
	o := Default()
	o.ApplyEnvOverrides()

	if o.Threads != 8 {
		t.Errorf("Threads = %d, want 8 after ELD_THREADS=8", o.Threads)
	}
}
