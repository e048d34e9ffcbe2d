// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package signing wraps gomatrixserverlib's canonical-JSON, hashing,
// and Ed25519 signing primitives behind the narrow surface the event
// pipeline (C6) and federation client (C8) actually need, the way
// dendrite's roomserver/internal never reimplements the wire format
// itself (spec §4.1, §4.8).
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-core/roomengine/internal/config"
)

// Identity is this server's own signing key, loaded once at startup
// and threaded into every PDU we build or sign outbound.
type Identity struct {
	ServerName spec.ServerName
	KeyID      gomatrixserverlib.KeyID
	PrivateKey ed25519.PrivateKey
}

// LoadIdentity reads the Ed25519 seed from cfg.PrivateKeyPath the way
// dendrite's setup/keys loader does: a base64 (or "ed25519 <id> <seed>"
// matrix-key-file) blob decoded into a 32-byte seed.
func LoadIdentity(cfg *config.Global) (*Identity, error) {
	raw, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "read private key")
	}
	seed, keyID, err := decodeSigningKeyFile(string(raw), cfg.KeyID)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("signing key has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return &Identity{
		ServerName: cfg.ServerName,
		KeyID:      gomatrixserverlib.KeyID(keyID),
		PrivateKey: ed25519.NewKeyFromSeed(seed),
	}, nil
}

// decodeSigningKeyFile accepts either a bare base64 seed (KeyID comes
// from configured default) or Synapse/dendrite's three-field
// "ed25519 <key_id> <base64 seed>" signing.key format.
func decodeSigningKeyFile(contents, defaultKeyID string) (seed []byte, keyID string, err error) {
	fields := strings.Fields(strings.TrimSpace(contents))
	switch len(fields) {
	case 3:
		keyID = "ed25519:" + fields[1]
		seed, err = base64.RawStdEncoding.DecodeString(fields[2])
	case 1:
		keyID = defaultKeyID
		seed, err = base64.RawStdEncoding.DecodeString(fields[0])
	default:
		return nil, "", errors.New("unrecognised private key file format")
	}
	if err != nil {
		return nil, "", errors.Wrap(err, "decode private key")
	}
	return seed, keyID, nil
}

// VerifyKey returns the public half advertised under /_matrix/key/v2/server.
func (id *Identity) VerifyKey() ed25519.PublicKey {
	return id.PrivateKey.Public().(ed25519.PublicKey)
}
