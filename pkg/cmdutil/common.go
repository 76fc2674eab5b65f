// Copyright (c) 2022 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmdutil

import (
	"fmt"

	"github.com/open-source-firmware/go-sed-manager/pkg/core/hash"
)

type PasswordEmbed struct {
	Password string `required:"" env:"PASS" type:"password" help:"Authentication password"`
	Hash     string `optional:"" env:"HASH" default:"none" enum:"sedutil-dta,dta,sha1,sedutil-sha512,sha512,none" help:"Hash the password like sedutil (dta/sha1 or sha512), or none for the raw bytes"`
}

// GenerateHash derives the authentication credential from the password
// and the drive serial, matching sedutil when a hash is selected.
func (t *PasswordEmbed) GenerateHash(serial []byte) ([]byte, error) {
	switch t.Hash {
	// Drive-Trust-Alliance uses sha1
	case "sedutil-dta", "sha1", "dta":
		return hash.HashSedutilDTA(t.Password, string(serial)), nil
	case "sedutil-sha512", "sha512":
		return hash.HashSedutil512(t.Password, string(serial)), nil
	case "none":
		return []byte(t.Password), nil
	default:
		return nil, fmt.Errorf("unknown hash method %q", t.Hash)
	}
}
