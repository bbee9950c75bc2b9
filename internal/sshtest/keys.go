// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sshtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
)

const defaultKeyBits = 2048

var (
	staticUserKey, staticHostKey *rsa.PrivateKey
	onceGenerateStaticKeys       sync.Once
)

// GenerateKeys generates SSH user and host keys of size bits.
func GenerateKeys(bits int) (userKey, hostKey *rsa.PrivateKey, err error) {
	if userKey, err = rsa.GenerateKey(rand.Reader, bits); err != nil {
		return nil, nil, fmt.Errorf("failed to generate user RSA key: %v", err)
	}
	if hostKey, err = rsa.GenerateKey(rand.Reader, bits); err != nil {
		return nil, nil, fmt.Errorf("failed to generate host RSA key: %v", err)
	}
	return userKey, hostKey, nil
}

// StaticKeys returns a user and host key pair generated once per process.
func StaticKeys() (userKey, hostKey *rsa.PrivateKey) {
	onceGenerateStaticKeys.Do(func() {
		var err error
		if staticUserKey, staticHostKey, err = GenerateKeys(defaultKeyBits); err != nil {
			panic(err)
		}
	})
	return staticUserKey, staticHostKey
}

// WriteKey writes key to a temporary file and returns its path.
// The caller is responsible for unlinking the temp file when complete.
func WriteKey(key *rsa.PrivateKey) (path string, err error) {
	data := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	f, err := os.CreateTemp("", "disttest_unittest_ssh_key.")
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err = f.Chmod(0600); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	if _, err = f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
