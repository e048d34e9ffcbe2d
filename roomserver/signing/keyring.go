// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package signing

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"

	"github.com/matrix-core/roomengine/internal/caching"
)

// keyDatabase backs gomatrixserverlib.KeyRing's storage side with our
// ristretto ServerKeys cache instead of a dedicated server_signing_keys
// table: cached keys are cheap to re-fetch on a cold start, so spec §3
// only requires they be cacheable, not durable.
type keyDatabase struct {
	caches *caching.Caches
}

func (keyDatabase) FetcherName() string { return "roomengine-cache" }

func (d keyDatabase) FetchKeys(
	ctx context.Context, requests map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.Timestamp,
) (map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.PublicKeyLookupResult, error) {
	results := map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.PublicKeyLookupResult{}
	for req, atTS := range requests {
		entry, ok := d.caches.ServerKeys.Get(cacheKey(req))
		if !ok {
			continue
		}
		if gomatrixserverlib.Timestamp(entry.ValidUntilTS) < atTS {
			continue
		}
		results[req] = gomatrixserverlib.PublicKeyLookupResult{
			VerifyKey:    gomatrixserverlib.VerifyKey{Key: gomatrixserverlib.Base64Bytes(entry.PublicKey)},
			ValidUntilTS: gomatrixserverlib.Timestamp(entry.ValidUntilTS),
		}
	}
	return results, nil
}

func (d keyDatabase) StoreKeys(
	ctx context.Context, results map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.PublicKeyLookupResult,
) error {
	for req, res := range results {
		d.caches.ServerKeys.Set(cacheKey(req), caching.ServerKeyEntry{
			PublicKey:    []byte(res.VerifyKey.Key),
			ValidUntilTS: int64(res.ValidUntilTS),
		})
	}
	return nil
}

func cacheKey(req gomatrixserverlib.PublicKeyLookupRequest) string {
	return string(req.ServerName) + "/" + string(req.KeyID)
}

// NewKeyRing wires gomatrixserverlib's KeyRing with our cache as the
// storage side and the federation client as the network fetcher,
// grounded on dendrite's keyserver package doing exactly this
// composition at startup.
func NewKeyRing(caches *caching.Caches, fedClient fclient.FederationClient) *gomatrixserverlib.KeyRing {
	return &gomatrixserverlib.KeyRing{
		KeyDatabase: keyDatabase{caches: caches},
		KeyFetchers: []gomatrixserverlib.KeyFetcher{
			&fclient.FederationKeyFetcher{Client: fedClient},
		},
	}
}
