package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSecretStore implements SecretStore by reading credentials that a
// Vault Agent sidecar (or an operator, in development) has already
// rendered to the local filesystem: one directory per mount path,
// containing a "username" file and a "password" file. This is the
// standard Vault Agent template output layout, so Pulp Manager never
// needs to speak Vault's own HTTP API or hold a token.
//
// root is typically the same path a Vault Agent template block writes
// to; namespace prefixes every mount path, mirroring
// VaultConfig.RepoSecretNamespace.
type FileSecretStore struct {
	root      string
	namespace string
}

// NewFileSecretStore constructs a FileSecretStore rooted at root, with
// every mountPath passed to Fetch prefixed by namespace. An empty
// namespace reads mount paths relative to root directly.
func NewFileSecretStore(root, namespace string) *FileSecretStore {
	return &FileSecretStore{root: root, namespace: namespace}
}

// Fetch reads <root>/<namespace>/<mountPath>/{username,password}. A
// missing password file is fatal; a missing username file is not, since
// some credentials refs carry their username in the Catalog itself and
// only the password is secret.
func (f *FileSecretStore) Fetch(ctx context.Context, mountPath string) (username, password string, err error) {
	dir := filepath.Join(f.root, f.namespace, mountPath)

	password, err = readSecretFile(filepath.Join(dir, "password"))
	if err != nil {
		return "", "", fmt.Errorf("reading password for %s: %w", mountPath, err)
	}

	username, err = readSecretFile(filepath.Join(dir, "username"))
	if err != nil && !os.IsNotExist(err) {
		return "", "", fmt.Errorf("reading username for %s: %w", mountPath, err)
	}

	return username, password, nil
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}
