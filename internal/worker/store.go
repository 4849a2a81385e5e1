// Package worker implements the per-machine runtime loop: wait for a
// job, copy its closure to the remote store over SSH, run the build,
// and go idle again.
package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/rat-data/remote-build-queue/internal/domain"
)

// RemoteStore is the opaque build-execution collaborator a worker drives:
// copy a closure onto the machine, then build one derivation there. It is
// the Go-side stand-in for the derivation library's store handle.
type RemoteStore interface {
	// Connect establishes the session (the SSH dial, in SSHStore). Called
	// once per worker, before the first job it handles.
	Connect(ctx context.Context) error

	// CopyClosure copies paths, read from local, onto the remote store.
	CopyClosure(ctx context.Context, local LocalStore, paths []string) error

	// BuildDerivation builds drvPath on the remote machine, producing
	// wantedOutputs.
	BuildDerivation(ctx context.Context, drvPath string, wantedOutputs []string) error

	Close() error
}

// LocalStore is the enqueue-side driver's own store: the source a
// worker's closure copy reads from. It is read-only from the worker's
// perspective.
type LocalStore interface {
	// ReadPath returns the on-disk contents rooted at a store path, for
	// copying into the remote store.
	ReadPath(ctx context.Context, path string) ([]byte, error)
}

// DirLocalStore is a LocalStore backed by a directory of store paths on
// disk, named by their last path component.
type DirLocalStore struct {
	Root string
}

func (s DirLocalStore) ReadPath(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(s.Root + "/" + lastComponent(path))
	if err != nil {
		return nil, fmt.Errorf("reading local store path %s: %w", path, err)
	}
	return data, nil
}

func lastComponent(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// SSHStore drives a remote store reached over SSH, honoring the
// single-connection and host-key parameters a machine record carries.
// It mirrors the "ssh-ng://" store's max-connections=1 contract: one
// *ssh.Client serializes every session a build needs.
type SSHStore struct {
	Machine domain.Machine

	client *ssh.Client
}

func NewSSHStore(m domain.Machine) *SSHStore {
	return &SSHStore{Machine: m}
}

func (s *SSHStore) Connect(ctx context.Context) error {
	user, host, port, err := parseSSHURI(s.Machine.StoreURI)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", s.Machine.StoreURI, err)
	}

	auth, err := sshAuthMethod(s.Machine.SSHKey)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", s.Machine.StoreURI, err)
	}

	hostKeyCallback, err := sshHostKeyCallback(s.Machine.SSHPublicHostKey)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", s.Machine.StoreURI, err)
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(host, port), config)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", s.Machine.StoreURI, err)
	}
	s.client = client
	return nil
}

// CopyClosure copies each path's content to the remote machine's store
// by streaming it over the stdin of its own SSH session, one path after
// another, all on the worker's single *ssh.Client.
func (s *SSHStore) CopyClosure(ctx context.Context, local LocalStore, paths []string) error {
	for _, p := range paths {
		data, err := local.ReadPath(ctx, p)
		if err != nil {
			return err
		}
		if err := s.writeRemotePath(p, data); err != nil {
			return fmt.Errorf("copying %s to %s: %w", p, s.Machine.StoreURI, err)
		}
	}
	return nil
}

func (s *SSHStore) writeRemotePath(path string, data []byte) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening stdin: %w", err)
	}

	cmd := fmt.Sprintf("nix-store --import-path %s", shellQuote(lastComponent(path)))
	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("starting %s: %w", cmd, err)
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("writing path data: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("closing stdin: %w", err)
	}
	return session.Wait()
}

// BuildDerivation invokes the remote builder for drvPath, requesting
// wantedOutputs, over one SSH session.
func (s *SSHStore) BuildDerivation(ctx context.Context, drvPath string, wantedOutputs []string) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("opening build session: %w", err)
	}
	defer session.Close()

	cmd := fmt.Sprintf("nix-store --realise %s", shellQuote(drvPath))
	if len(wantedOutputs) > 0 {
		cmd += " --check-outputs " + shellQuote(strings.Join(wantedOutputs, ","))
	}
	if output, err := session.CombinedOutput(cmd); err != nil {
		return fmt.Errorf("building %s on %s: %w: %s", drvPath, s.Machine.StoreURI, err, output)
	}
	return nil
}

func (s *SSHStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// parseSSHURI extracts user@host:port from a store URI of the form
// ssh://user@host:port or ssh-ng://user@host:port. Port defaults to 22.
func parseSSHURI(uri string) (user, host, port string, err error) {
	rest := uri
	for _, prefix := range []string{"ssh-ng://", "ssh://"} {
		if strings.HasPrefix(rest, prefix) {
			rest = strings.TrimPrefix(rest, prefix)
			break
		}
	}
	if rest == uri {
		return "", "", "", fmt.Errorf("store uri %q missing ssh:// or ssh-ng:// scheme", uri)
	}

	if i := strings.IndexByte(rest, '@'); i >= 0 {
		user, rest = rest[:i], rest[i+1:]
	}
	host, port, err = net.SplitHostPort(rest)
	if err != nil {
		host, port = rest, "22"
	}
	if user == "" {
		user = "root"
	}
	return user, host, port, nil
}

func sshAuthMethod(keyPath string) (ssh.AuthMethod, error) {
	if keyPath == "" {
		return nil, fmt.Errorf("machine has no ssh_key configured")
	}
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", keyPath, err)
	}
	return ssh.PublicKeys(signer), nil
}

// sshHostKeyCallback builds a callback that accepts only the base64-
// encoded public host key a machine record carries. An empty key is
// refused rather than silently accepting any host, since that would
// defeat the point of pinning it in the fleet config.
func sshHostKeyCallback(base64Key string) (ssh.HostKeyCallback, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("machine has no ssh_public_host_key configured")
	}
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decoding ssh_public_host_key: %w", err)
	}
	want, err := ssh.ParsePublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh_public_host_key: %w", err)
	}
	return func(hostname string, remote net.Addr, got ssh.PublicKey) error {
		if string(got.Marshal()) != string(want.Marshal()) {
			return fmt.Errorf("host key mismatch for %s", hostname)
		}
		return nil
	}, nil
}
