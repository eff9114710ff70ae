// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/matrix-org/fedcore/federationapi/api"
	"github.com/matrix-org/fedcore/signing"
)

// GetServerKeys fetches the signing keys a server publishes about itself
// and checks that the response is signed by those keys.
func (c *Client) GetServerKeys(ctx context.Context, s spec.ServerName) (signing.ServerKeys, error) {
	var keys signing.ServerKeys
	req := signing.NewFederationRequest(http.MethodGet, s, "/_matrix/key/v2/server")
	if err := c.doRequest(ctx, req, &keys); err != nil {
		return signing.ServerKeys{}, err
	}
	if err := keys.CheckSelfSigned(s); err != nil {
		return signing.ServerKeys{}, &api.FederationError{Kind: api.Permanent, Code: http.StatusOK, Err: err}
	}
	return keys, nil
}

// KeyFetcher fetches keys directly from the servers they belong to.
type KeyFetcher struct {
	Client *Client
}

func (f *KeyFetcher) FetcherName() string {
	return "DirectKeyFetcher"
}

// FetchKeys asks every server in the requests for its keys, in parallel.
// Servers that cannot be reached are skipped; their keys are missing from
// the result.
func (f *KeyFetcher) FetchKeys(
	ctx context.Context, requests map[signing.PublicKeyRequest]spec.Timestamp,
) (map[signing.PublicKeyRequest]signing.PublicKeyLookupResult, error) {
	servers := map[spec.ServerName]struct{}{}
	for req := range requests {
		servers[req.ServerName] = struct{}{}
	}

	var mu sync.Mutex
	results := map[signing.PublicKeyRequest]signing.PublicKeyLookupResult{}
	g, gctx := errgroup.WithContext(ctx)
	for serverName := range servers {
		serverName := serverName
		g.Go(func() error {
			keys, err := f.Client.GetServerKeys(gctx, serverName)
			if err != nil {
				logrus.WithError(err).WithField("server_name", serverName).Warn("Failed to fetch server keys")
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for req, result := range keys.LookupResults() {
				results[req] = result
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetching keys: %w", err)
	}
	return results, nil
}
