package retriever

import (
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/andresuchdata/bipsync/internal/domain"
)

// AuthMethods resolves the SSH authentication for cfg. It never touches the
// network, so a rejected key fails the source before any dial.
//
// A key file wins over a password. When both are set the password is used as
// the key passphrase.
func AuthMethods(cfg domain.SourceConfig) ([]ssh.AuthMethod, error) {
	switch {
	case cfg.KeyPath != "":
		signer, err := LoadSigner(cfg.KeyPath, cfg.Password, cfg.MinRSABits)
		if err != nil {
			return nil, domain.ConfigErrorWrap(cfg.Name, domain.StageConnect, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case cfg.Password != "":
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
	default:
		return nil, domain.ConfigError(cfg.Name, domain.StageConnect, "neither a key file nor a password is configured")
	}
}

// LoadSigner reads a private key and enforces the accepted key policy:
// Ed25519 of any kind, RSA of at least minRSABits, nothing else.
func LoadSigner(path, passphrase string, minRSABits int) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}

	raw, err := ssh.ParseRawPrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if passphrase == "" {
			return nil, fmt.Errorf("private key %s is encrypted and no passphrase is configured", path)
		}
		raw, err = ssh.ParseRawPrivateKeyWithPassphrase(data, []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}

	if minRSABits <= 0 {
		minRSABits = domain.DefaultMinRSABits
	}

	switch key := raw.(type) {
	case *rsa.PrivateKey:
		if bits := key.N.BitLen(); bits < minRSABits {
			return nil, fmt.Errorf("RSA key %s has %d bits, at least %d required", path, bits, minRSABits)
		}
	case ed25519.PrivateKey:
	case *ed25519.PrivateKey:
		raw = *key
	default:
		return nil, fmt.Errorf("unsupported key type %T in %s, expected RSA or Ed25519", raw, path)
	}

	signer, err := ssh.NewSignerFromKey(raw)
	if err != nil {
		return nil, fmt.Errorf("build signer from %s: %w", path, err)
	}
	return signer, nil
}

// HostKeyCallback verifies servers against a known_hosts file when one is
// configured. Without it every host key is accepted and a warning is logged.
func HostKeyCallback(cfg domain.SourceConfig, log zerolog.Logger) (ssh.HostKeyCallback, error) {
	if cfg.KnownHostsPath == "" {
		log.Warn().Str("host", cfg.Hostname).Msg("no known_hosts file configured, host key is not verified")
		return ssh.InsecureIgnoreHostKey(), nil
	}

	cb, err := knownhosts.New(cfg.KnownHostsPath)
	if err != nil {
		return nil, domain.ConfigErrorWrap(cfg.Name, domain.StageConnect,
			fmt.Errorf("load known_hosts %s: %w", cfg.KnownHostsPath, err))
	}
	return cb, nil
}
