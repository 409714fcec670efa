package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// EnsureKnownHostsFile makes sure the directory exists and the file is created.
func EnsureKnownHostsFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(""), 0600); err != nil {
			return fmt.Errorf("create known_hosts: %w", err)
		}
	}
	return nil
}

// LoadKnownHostsCallback returns a strict host key callback using the given
// file. With acceptNew, keys of hosts that are not in the file yet are
// appended to it and trusted; changed keys are still rejected.
func LoadKnownHostsCallback(path string, acceptNew bool) (xssh.HostKeyCallback, error) {
	if err := EnsureKnownHostsFile(path); err != nil {
		return nil, err
	}
	strict, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	if !acceptNew {
		return strict, nil
	}
	t := &trustOnFirstUse{path: path, strict: strict, accepted: map[string][]byte{}}
	return t.check, nil
}

type trustOnFirstUse struct {
	mu       sync.Mutex
	path     string
	strict   xssh.HostKeyCallback
	accepted map[string][]byte
}

func (t *trustOnFirstUse) check(hostname string, remote net.Addr, key xssh.PublicKey) error {
	err := t.strict(hostname, remote, key)
	var keyErr *knownhosts.KeyError
	if err == nil || !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
		return err
	}

	// Host is not in the file. The strict callback does not see lines we
	// append, so remember them here.
	t.mu.Lock()
	defer t.mu.Unlock()
	host := knownhosts.Normalize(hostname)
	if prev, ok := t.accepted[host]; ok {
		if bytes.Equal(prev, key.Marshal()) {
			return nil
		}
		return fmt.Errorf("ssh: host key for %s changed since it was first accepted", host)
	}
	if err := appendKnownHost(t.path, host, key); err != nil {
		return err
	}
	t.accepted[host] = key.Marshal()
	log.Info().Str("host", host).Str("key_type", key.Type()).Msg("Accepted new host key")
	return nil
}

func appendKnownHost(path, host string, key xssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(knownhosts.Line([]string{host}, key) + "\n"); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}
