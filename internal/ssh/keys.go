package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	gossh "golang.org/x/crypto/ssh"
)

// GenerateKeyPair creates a new ed25519 SSH key pair.
// Returns the private key in OpenSSH PEM format and the public key in
// authorized_keys format.
func GenerateKeyPair() (privateKeyPEM []byte, publicKeyAuthorized []byte, err error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	pemBlock, err := gossh.MarshalPrivateKey(privKey, "")
	if err != nil {
		return nil, nil, err
	}

	sshPub, err := gossh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return pem.EncodeToMemory(pemBlock), gossh.MarshalAuthorizedKey(sshPub), nil
}

// EnsureKeyPair writes id_ed25519 and id_ed25519.pub into dir unless the
// private key already exists. It returns the private key path and whether
// a new pair was generated.
func EnsureKeyPair(dir string) (string, bool, error) {
	privPath := filepath.Join(dir, "id_ed25519")
	pubPath := privPath + ".pub"

	if _, err := os.Stat(privPath); err == nil {
		return privPath, false, nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", false, fmt.Errorf("creating key directory: %w", err)
	}

	privPEM, pubAuthorized, err := GenerateKeyPair()
	if err != nil {
		return "", false, fmt.Errorf("generating SSH key pair: %w", err)
	}
	if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
		return "", false, fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pubAuthorized, 0644); err != nil {
		return "", false, fmt.Errorf("writing public key: %w", err)
	}
	return privPath, true, nil
}
