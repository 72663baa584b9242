package sftpd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const hostKeyBits = 2048

// loadOrGenerateHostKey reads the PEM-encoded RSA host key at path, lazily
// generating and persisting a new RSA-2048 PKCS#1 key if the file is
// missing or unreadable (spec.md §4.9). The write is atomic: a temp file
// is written then renamed into place, tolerating a benign race on first
// boot if two processes generate concurrently.
func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	if data, err := os.ReadFile(path); err == nil {
		signer, parseErr := ssh.ParsePrivateKey(data)
		if parseErr == nil {
			return signer, nil
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, hostKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate sftp host key: %w", err)
	}

	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	data := pem.EncodeToMemory(block)

	if dir := filepath.Dir(path); dir != "" {
		os.MkdirAll(dir, 0755)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err == nil {
		if err := os.Rename(tempPath, path); err != nil {
			os.Remove(tempPath)
		}
	}

	// Re-read from disk when possible so a concurrent generator's winning
	// write is what every process ends up using; fall back to the
	// in-memory key if the file still can't be read.
	if diskData, err := os.ReadFile(path); err == nil {
		if signer, err := ssh.ParsePrivateKey(diskData); err == nil {
			return signer, nil
		}
	}

	return ssh.NewSignerFromKey(key)
}
