// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cellconfig

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math"
)

// Decrypter decrypts RSA-PKCS1v15-encrypted, base64-encoded secrets found in
// a CellConfig document (bulk-store credentials, approval-token keys).
type Decrypter struct {
	*rsa.PrivateKey
}

func NewDecrypter(pemKey []byte) (*Decrypter, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, errors.New("malformed private key PEM")
	}
	var key any
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported key type %q", block.Type)
	}
	if err != nil {
		return nil, err
	}
	rk, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return &Decrypter{PrivateKey: rk}, nil
}

// Decrypt base64-decodes s and decrypts it in RSA-key-sized chunks.
func (d *Decrypter) Decrypt(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	chunkLen := d.N.BitLen() / 8
	var out bytes.Buffer
	chunks := int(math.Ceil(float64(len(data)) / float64(chunkLen)))
	for i := 0; i < chunks; i++ {
		end := min((i+1)*chunkLen, len(data))
		part, err := rsa.DecryptPKCS1v15(rand.Reader, d.PrivateKey, data[i*chunkLen:end])
		if err != nil {
			return "", err
		}
		out.Write(part)
	}
	return out.String(), nil
}
