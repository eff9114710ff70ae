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

package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/crypto/ed25519"
)

const usage = `Usage: %s

Generate the signing key which is required by fedcore.

Arguments:

`

var (
	privateKeyFile = flag.String("private-key", "", "An Ed25519 private key to generate for use for object signing")
	keyID          = flag.String("key-id", "", "Optional: the key ID to use, e.g. ed25519:a_Bc1. A random one is picked otherwise.")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	if *privateKeyFile == "" {
		flag.Usage()
		return
	}

	if err := newMatrixKey(*privateKeyFile, *keyID); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Created private key file: %s\n", *privateKeyFile)
}

// newMatrixKey writes a new ed25519 seed as a MATRIX PRIVATE KEY PEM block.
func newMatrixKey(matrixKeyPath, keyID string) (err error) {
	_, data, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	if keyID == "" {
		if keyID, err = randomKeyID(); err != nil {
			return err
		}
	}
	keyOut, err := os.OpenFile(matrixKeyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := keyOut.Close(); err == nil {
			err = closeErr
		}
	}()
	return pem.Encode(keyOut, &pem.Block{
		Type: "MATRIX PRIVATE KEY",
		Headers: map[string]string{
			"Key-ID": keyID,
		},
		Bytes: data.Seed(),
	})
}

// randomKeyID picks a key ID of the form ed25519:XXXXXX, using only the
// characters a key ID may contain.
func randomKeyID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	suffix := strings.ReplaceAll(base64.RawURLEncoding.EncodeToString(b), "-", "_")
	return "ed25519:" + suffix, nil
}
