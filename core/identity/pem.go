// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"crypto/subtle"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const (
	privateKeyType = "SECP256K1 PRIVATE KEY"
	publicKeyType  = "SECP256K1 PUBLIC KEY"
)

func exists(f string) (bool, error) {
	_, err := os.Stat(f)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func toFile(f, keyType string, b []byte) error {
	if subtle.ConstantTimeCompare(b, make([]byte, len(b))) == 1 {
		return fmt.Errorf("identity/%s: attempted to serialize scrubbed key", keyType)
	}
	out, err := os.OpenFile(f, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	buf := pem.EncodeToMemory(&pem.Block{Type: keyType, Bytes: b})
	if _, err = out.Write(buf); err != nil {
		out.Close()
		return err
	}
	if err = out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fromFile(f, keyType string) ([]byte, error) {
	buf, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	blk, _ := pem.Decode(buf)
	if blk == nil {
		return nil, fmt.Errorf("identity: failed to decode PEM file %v", f)
	}
	if blk.Type != keyType {
		return nil, fmt.Errorf("identity: wrong key type in %v: %v != %v", f, blk.Type, keyType)
	}
	return blk.Bytes, nil
}

// Load loads the private key stored in privFile, generating and writing a
// new key (and its public half to pubFile) if neither file exists.  If
// pubFile is non-empty and present it must match the private key.
func Load(privFile, pubFile string) (*PrivateKey, error) {
	privOk, err := exists(privFile)
	if err != nil {
		return nil, err
	}
	pubOk := false
	if pubFile != "" {
		if pubOk, err = exists(pubFile); err != nil {
			return nil, err
		}
	}

	switch {
	case privOk:
		b, err := fromFile(privFile, privateKeyType)
		if err != nil {
			return nil, err
		}
		k, err := PrivateKeyFromBytes(b)
		if err != nil {
			return nil, err
		}
		if pubOk {
			pb, err := fromFile(pubFile, publicKeyType)
			if err != nil {
				return nil, err
			}
			pub, err := ParsePublicKey(pb)
			if err != nil {
				return nil, err
			}
			if !pub.Equal(k.PublicKey()) {
				return nil, fmt.Errorf("identity: public key %v does not match private key", pubFile)
			}
		} else if pubFile != "" {
			if err := toFile(pubFile, publicKeyType, k.PublicKey().Bytes()); err != nil {
				return nil, err
			}
		}
		return k, nil
	case pubOk:
		return nil, fmt.Errorf("identity: public key %v present without private key", pubFile)
	}

	k, err := NewPrivateKey()
	if err != nil {
		return nil, err
	}
	if err := toFile(privFile, privateKeyType, k.Bytes()); err != nil {
		return nil, err
	}
	if pubFile != "" {
		if err := toFile(pubFile, publicKeyType, k.PublicKey().Bytes()); err != nil {
			return nil, err
		}
	}
	return k, nil
}
