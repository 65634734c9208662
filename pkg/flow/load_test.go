package flow

import (
	"context"
	"strings"
	"testing"
)

func TestDecode(t *testing.T) {
	raw, err := Decode(strings.NewReader(`
name: DIRT
image: docker://computationalplantscience/dirt
workdir: /opt/dirt
command: python3 main.py $INPUT
resources:
  cores: 2
  time: "01:00:00"
  mem: 4GB
output:
  include:
    patterns: [csv, png]
`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	opts, err := Parse(context.Background(), raw, slurmAgent(), nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if opts.Resources == nil || opts.Resources.Cores != 2 || opts.Resources.Mem != "4GB" {
		t.Errorf("resources = %+v", opts.Resources)
	}
	if opts.Output == nil || len(opts.Output.Include.Patterns) != 2 {
		t.Errorf("output = %+v", opts.Output)
	}
}

func TestDecode_Empty(t *testing.T) {
	for _, doc := range []string{"", "---\n"} {
		if _, err := Decode(strings.NewReader(doc)); err == nil {
			t.Errorf("Decode(%q) succeeded", doc)
		}
	}
	if _, err := Decode(strings.NewReader("- a\n- b\n")); err == nil {
		t.Error("sequence decoded as a configuration")
	}
}
