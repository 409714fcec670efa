package ssh

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// LoadPrivateKeySigner reads an OpenSSH/PEM private key file and returns an ssh.Signer.
func LoadPrivateKeySigner(privateKeyPath string) (xssh.Signer, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// DialAgent connects to the SSH agent named by SSH_AUTH_SOCK. It returns a nil
// agent and closer when no agent is configured or reachable.
func DialAgent() (agent.ExtendedAgent, io.Closer) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		log.Debug().Err(err).Msg("SSH agent unavailable")
		return nil, nil
	}
	return agent.NewClient(conn), conn
}

// AuthMethods builds the auth chain for a host: the given key file if any,
// otherwise the user's default keys, plus ag when it is not nil.
func AuthMethods(keyPath string, ag agent.Agent) ([]xssh.AuthMethod, error) {
	var methods []xssh.AuthMethod
	if keyPath != "" {
		signer, err := LoadPrivateKeySigner(keyPath)
		if err != nil {
			return nil, err
		}
		methods = append(methods, xssh.PublicKeys(signer))
	} else if home, err := os.UserHomeDir(); err == nil {
		for _, name := range []string{"id_ed25519", "id_rsa"} {
			signer, err := LoadPrivateKeySigner(filepath.Join(home, ".ssh", name))
			if err != nil {
				continue
			}
			log.Debug().Str("key", name).Msg("Using default SSH key")
			methods = append(methods, xssh.PublicKeys(signer))
		}
	}
	if ag != nil {
		methods = append(methods, xssh.PublicKeysCallback(ag.Signers))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication methods available")
	}
	return methods, nil
}
