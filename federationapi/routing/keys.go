// Copyright 2017 Vector Creations Ltd
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

package routing

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/fedcore/setup/config"
	"github.com/matrix-org/fedcore/signing"
)

// LocalKeys returns the signing keys of this server, signed by themselves.
func LocalKeys(req *http.Request, cfg *config.Global) util.JSONResponse {
	keys, err := localKeys(cfg)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("Failed to sign server keys")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: keys}
}

func localKeys(cfg *config.Global) (*signing.ServerKeys, error) {
	var keys signing.ServerKeys
	publicKey := cfg.PrivateKey.Public().(ed25519.PublicKey)
	keys.ServerName = cfg.ServerName
	keys.ValidUntilTS = spec.AsTimestamp(time.Now().Add(cfg.KeyValidityPeriod))
	keys.VerifyKeys = map[signing.KeyID]signing.VerifyKey{
		cfg.KeyID: {
			Key: signing.Base64Bytes(publicKey),
		},
	}
	keys.OldVerifyKeys = map[signing.KeyID]signing.OldVerifyKey{}

	toSign, err := json.Marshal(keys.ServerKeyFields)
	if err != nil {
		return nil, err
	}

	keys.Raw, err = signing.SignJSON(
		string(cfg.ServerName), cfg.KeyID, cfg.PrivateKey, toSign,
	)
	return &keys, err
}
