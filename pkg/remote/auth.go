package remote

import (
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/ssh"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
)

// KeyringService is the OS keyring service SSH secrets are stored under.
const KeyringService = "plantit"

// Auth produces SSH authentication methods for an agent.
type Auth interface {
	Methods(agent *models.Agent) ([]ssh.AuthMethod, error)
}

// KeyringUser is the keyring account name for an agent: user@host.
func KeyringUser(agent *models.Agent) string {
	return agent.Username + "@" + agent.Hostname
}

// KeyFileAuth authenticates with a private key on disk.
type KeyFileAuth struct {
	Path       string
	Passphrase string
}

func (a KeyFileAuth) Methods(*models.Agent) ([]ssh.AuthMethod, error) {
	signer, err := loadSigner(a.Path, a.Passphrase)
	if err != nil {
		return nil, err
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// KeyringAuth reads the agent's secret from the OS keyring. With a KeyFile
// the secret is the key's passphrase, otherwise it is the account password.
type KeyringAuth struct {
	Service string
	KeyFile string
}

func (a KeyringAuth) Methods(agent *models.Agent) ([]ssh.AuthMethod, error) {
	service := a.Service
	if service == "" {
		service = KeyringService
	}
	secret, err := keyring.Get(service, KeyringUser(agent))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("failed to read keyring secret for %s: %w", KeyringUser(agent), err)
	}

	if a.KeyFile != "" {
		signer, err := loadSigner(a.KeyFile, secret)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if secret == "" {
		return nil, fmt.Errorf("no keyring secret for %s", KeyringUser(agent))
	}
	return []ssh.AuthMethod{ssh.Password(secret)}, nil
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}
	return signer, nil
}
