package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// transfer is the file channel of a host, layered on its SSH connection.
type transfer struct {
	sftp   *sftp.Client
	ssh    *xssh.Client
	verify bool
}

// Put writes data to dest, creating parent directories. With verification on,
// the remote sha256 is compared afterwards and a mismatching file is removed.
func (t *transfer) Put(ctx context.Context, data []byte, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.sftp.MkdirAll(path.Dir(dest)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	dst, err := t.sftp.Create(dest)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	if _, err := dst.ReadFrom(bytes.NewReader(data)); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote: %w", err)
	}
	if !t.verify {
		return nil
	}
	sum := sha256.Sum256(data)
	if err := t.verifyRemoteChecksum(dest, hex.EncodeToString(sum[:])); err != nil {
		_ = t.sftp.Remove(dest)
		return fmt.Errorf("checksum verification failed: %w", err)
	}
	return nil
}

func (t *transfer) verifyRemoteChecksum(remotePath, expected string) error {
	session, err := t.ssh.NewSession()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer session.Close()

	output, err := session.Output("sha256sum " + shellQuote(remotePath) + " | cut -d' ' -f1")
	if err != nil {
		return fmt.Errorf("calculate remote checksum: %w", err)
	}
	got := strings.TrimSpace(string(output))
	if got != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, got)
	}
	return nil
}

func (t *transfer) Close() error { return t.sftp.Close() }
