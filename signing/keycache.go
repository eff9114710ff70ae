// Copyright 2017 New Vector Ltd
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

package signing

import (
	"context"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/patrickmn/go-cache"
)

// CachingKeyFetcher wraps a KeyFetcher and remembers its results in memory
// for at most the configured TTL, and never beyond a key's valid_until_ts.
type CachingKeyFetcher struct {
	Fetcher KeyFetcher
	ttl     time.Duration
	cache   *cache.Cache
	now     func() time.Time
}

// NewCachingKeyFetcher wraps fetcher with an in-memory cache.
func NewCachingKeyFetcher(fetcher KeyFetcher, ttl time.Duration) *CachingKeyFetcher {
	return &CachingKeyFetcher{
		Fetcher: fetcher,
		ttl:     ttl,
		cache:   cache.New(ttl, ttl*2),
		now:     time.Now,
	}
}

// FetcherName implements KeyFetcher.
func (c *CachingKeyFetcher) FetcherName() string {
	return "cached " + c.Fetcher.FetcherName()
}

// FetchKeys implements KeyFetcher.
func (c *CachingKeyFetcher) FetchKeys(
	ctx context.Context, requests map[PublicKeyRequest]spec.Timestamp,
) (map[PublicKeyRequest]PublicKeyLookupResult, error) {
	results := make(map[PublicKeyRequest]PublicKeyLookupResult, len(requests))
	uncached := map[PublicKeyRequest]spec.Timestamp{}
	for req, ts := range requests {
		if v, ok := c.cache.Get(cacheKey(req)); ok {
			res := v.(PublicKeyLookupResult)
			if res.WasValidAt(ts, false) {
				results[req] = res
				continue
			}
		}
		uncached[req] = ts
	}
	if len(uncached) == 0 {
		return results, nil
	}

	fetched, err := c.Fetcher.FetchKeys(ctx, uncached)
	if err != nil {
		return nil, err
	}
	now := c.now()
	for req, res := range fetched {
		results[req] = res
		ttl := c.ttl
		if res.ValidUntilTS != PublicKeyNotValid {
			if untilExpiry := res.ValidUntilTS.Time().Sub(now); untilExpiry < ttl {
				ttl = untilExpiry
			}
		}
		if ttl > 0 {
			c.cache.Set(cacheKey(req), res, ttl)
		}
	}
	return results, nil
}

func cacheKey(req PublicKeyRequest) string {
	return fmt.Sprintf("%s/%s", req.ServerName, req.KeyID)
}
