package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/ssh"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
)

func TestCommandString(t *testing.T) {
	cases := []struct {
		name string
		cmd  Command
		want string
	}{
		{"bare", Command{Cmd: "ls"}, "ls"},
		{"dir", Command{Dir: "/work", Cmd: "ls"}, "cd /work && ls"},
		{"full", Command{Pre: "module load singularity", Dir: "/work", Cmd: "sbatch t.sh"}, "module load singularity && cd /work && sbatch t.sh"},
		{
			"env",
			Command{Dir: "/work", Env: Env{"B": "two words", "A": "x"}, Cmd: "./t.sh"},
			"cd /work && A=x B='two words' ./t.sh",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cmd.String(); got != tc.want {
				t.Errorf("String() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCommandRedacted(t *testing.T) {
	cmd := Command{Env: Env{"DOCKER_PASSWORD": "hunter2"}, Cmd: "sbatch t.sh"}
	got := cmd.Redacted()
	if strings.Contains(got, "hunter2") {
		t.Fatalf("secret leaked: %s", got)
	}
	if got != "DOCKER_PASSWORD=******* sbatch t.sh" {
		t.Errorf("Redacted() = %q", got)
	}
}

func TestRedactor(t *testing.T) {
	r := NewRedactor("alice", "", "s3cret")
	got := r.Redact("login alice with s3cret")
	if got != "login ******* with *******" {
		t.Errorf("Redact = %q", got)
	}
	var nilRedactor *Redactor
	if nilRedactor.Redact("x") != "x" {
		t.Error("nil redactor must pass lines through")
	}
}

func TestRemoteExecutionError(t *testing.T) {
	err := &RemoteExecutionError{Command: "sbatch t.sh", ExitStatus: 1, Stderr: []string{"sbatch: error: invalid partition"}}
	if !strings.Contains(err.Error(), "status 1") || !strings.Contains(err.Error(), "invalid partition") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func writeKey(t *testing.T, passphrase string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var block *pem.Block
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	} else {
		block, err = ssh.MarshalPrivateKey(priv, "test")
	}
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestKeyFileAuth(t *testing.T) {
	methods, err := KeyFileAuth{Path: writeKey(t, "")}.Methods(&models.Agent{})
	if err != nil || len(methods) != 1 {
		t.Fatalf("Methods = %v, %v", methods, err)
	}
	if _, err := (KeyFileAuth{Path: filepath.Join(t.TempDir(), "missing")}).Methods(&models.Agent{}); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestKeyringAuth(t *testing.T) {
	keyring.MockInit()
	agent := &models.Agent{Username: "u", Hostname: "cluster.example.org"}

	if _, err := (KeyringAuth{}).Methods(agent); err == nil {
		t.Fatal("expected error without a stored secret")
	}

	if err := keyring.Set(KeyringService, KeyringUser(agent), "pw"); err != nil {
		t.Fatal(err)
	}
	methods, err := KeyringAuth{}.Methods(agent)
	if err != nil || len(methods) != 1 {
		t.Fatalf("password Methods = %v, %v", methods, err)
	}

	if err := keyring.Set(KeyringService, KeyringUser(agent), "phrase"); err != nil {
		t.Fatal(err)
	}
	methods, err = KeyringAuth{KeyFile: writeKey(t, "phrase")}.Methods(agent)
	if err != nil || len(methods) != 1 {
		t.Fatalf("passphrase Methods = %v, %v", methods, err)
	}
}
