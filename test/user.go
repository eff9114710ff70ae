// Copyright 2022 The Matrix.org Foundation C.I.C.
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

package test

import (
	"fmt"
	"strconv"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"go.uber.org/atomic"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/fedcore/signing"
)

// keyFromSeed derives a fixed test key. Keys only differ in the last seed
// byte.
func keyFromSeed(last byte) ed25519.PrivateKey {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	seed[len(seed)-1] = last
	return ed25519.NewKeyFromSeed(seed)
}

var (
	userCount atomic.Int64

	serverName = spec.ServerName("test")
	keyID      = signing.KeyID("ed25519:test")
	privateKey = keyFromSeed(32)

	// Keys for tests that need servers other than "test".
	PrivateKeyA = keyFromSeed(77)
	PrivateKeyB = keyFromSeed(66)
)

// User is a local part on a signing server. Events a user sends in a test
// Room are signed by that server.
type User struct {
	ID        string
	Localpart string

	keyID   signing.KeyID
	privKey ed25519.PrivateKey
	srvName spec.ServerName
}

func (u *User) ServerName() spec.ServerName { return u.srvName }
func (u *User) KeyID() signing.KeyID { return u.keyID }
func (u *User) PrivateKey() ed25519.PrivateKey { return u.privKey }

type UserOpt func(*User)

// WithSigningServer puts the user on srvName, which signs with the given key.
func WithSigningServer(srvName spec.ServerName, keyID signing.KeyID, privKey ed25519.PrivateKey) UserOpt {
	return func(u *User) {
		u.srvName, u.keyID, u.privKey = srvName, keyID, privKey
	}
}

// NewUser creates a user with a unique numeric local part, on the "test"
// server unless an option says otherwise.
func NewUser(t *testing.T, opts ...UserOpt) *User {
	u := &User{}
	WithSigningServer(serverName, keyID, privateKey)(u)
	for _, opt := range opts {
		opt(u)
	}
	n := userCount.Inc()
	u.Localpart = strconv.FormatInt(n, 10)
	u.ID = fmt.Sprintf("@%s:%s", u.Localpart, u.srvName)
	t.Logf("NewUser: created user %s", u.ID)
	return u
}
