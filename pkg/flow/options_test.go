package flow

import (
	"strings"
	"testing"
	"time"
)

func TestParseWalltime(t *testing.T) {
	d, err := ParseWalltime("01:30:15")
	if err != nil {
		t.Fatalf("ParseWalltime: %v", err)
	}
	if d != time.Hour+30*time.Minute+15*time.Second {
		t.Errorf("d = %v", d)
	}
	if FormatWalltime(d) != "01:30:15" {
		t.Errorf("FormatWalltime = %s", FormatWalltime(d))
	}
	if _, err := ParseWalltime("1:30"); err == nil {
		t.Error("expected error")
	}
}

func TestFlowFileDropsJobQueueInLauncherMode(t *testing.T) {
	opts := &RunOptions{
		Image:    "docker://x/y",
		WorkDir:  "/work",
		Command:  "run",
		JobQueue: &JobQueue{Kind: "slurm", Fields: map[string]any{"walltime": "01:00:00"}},
	}

	plain, err := FlowFile(opts, "/home/u/abc", "abc.cluster.log", false)
	if err != nil {
		t.Fatalf("FlowFile: %v", err)
	}
	for _, want := range []string{"workdir: /home/u/abc", "log_file: abc.cluster.log", "slurm:"} {
		if !strings.Contains(string(plain), want) {
			t.Errorf("flow file missing %q:\n%s", want, plain)
		}
	}

	launcher, err := FlowFile(opts, "/home/u/abc", "abc.cluster.log", true)
	if err != nil {
		t.Fatalf("FlowFile: %v", err)
	}
	if strings.Contains(string(launcher), "jobqueue") {
		t.Errorf("launcher flow file kept jobqueue:\n%s", launcher)
	}
	if opts.WorkDir != "/work" {
		t.Error("FlowFile must not mutate the options")
	}
}

func TestDecode_NestedResources(t *testing.T) {
	raw, err := Decode(strings.NewReader("image: docker://x/y\nresources:\n  cores: 2\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	res, ok := raw["resources"].(map[string]any)
	if !ok {
		t.Fatalf("resources = %T", raw["resources"])
	}
	if n, ok := asInt(res["cores"]); !ok || n != 2 {
		t.Errorf("cores = %v", res["cores"])
	}
}
