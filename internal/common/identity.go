// Package common holds the node's persistent libp2p identity.
package common

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// GenerateIdentity makes a new Ed25519 key.
func GenerateIdentity() (libp2pcrypto.PrivKey, error) {
	priv, _, err := libp2pcrypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return priv, nil
}

// EncodeIdentity is the base64 protobuf form stored on disk.
func EncodeIdentity(priv libp2pcrypto.PrivKey) ([]byte, error) {
	if priv == nil {
		return nil, errors.New("private key cannot be nil")
	}
	data, err := libp2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(out, data)
	return append(out, '\n'), nil
}

func DecodeIdentity(text []byte) (libp2pcrypto.PrivKey, error) {
	text = bytes.TrimSpace(text)
	if len(text) == 0 {
		return nil, errors.New("private key data is empty")
	}
	data := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(data, text)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 private key: %w", err)
	}
	priv, err := libp2pcrypto.UnmarshalPrivateKey(data[:n])
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal private key: %w", err)
	}
	return priv, nil
}

// LoadOrCreateIdentity reads the key at path, creating it on first start so
// the peer ID survives restarts.
func LoadOrCreateIdentity(path string) (libp2pcrypto.PrivKey, peer.ID, error) {
	text, err := os.ReadFile(path)
	var priv libp2pcrypto.PrivKey
	switch {
	case err == nil:
		priv, err = DecodeIdentity(text)
		if err != nil {
			return nil, "", fmt.Errorf("identity %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		priv, err = GenerateIdentity()
		if err != nil {
			return nil, "", err
		}
		text, err = EncodeIdentity(priv)
		if err != nil {
			return nil, "", err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, "", err
		}
		if err := os.WriteFile(path, text, 0o600); err != nil {
			return nil, "", fmt.Errorf("write identity: %w", err)
		}
	default:
		return nil, "", err
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", fmt.Errorf("failed to derive peer ID: %w", err)
	}
	return priv, id, nil
}
