// Package sealkey implements the sealing-key derivation chain used by the
// realm agent's disk subsystem (base spec §4.7 steps 2 and 6, and the
// Glossary's "Sealing key" entry): a key-derivation material that can
// derive arbitrary-length keys, and whose "seal" operation advances it to a
// new sealing object chained on the caller-supplied info (typically vendor
// data plus an image hash), so later derivations depend on prior, verified
// state.
//
// Grounded on
// original_source/realm/app-manager/src/key/{mod.rs,hkdf.rs,ring.rs,dummy.rs}:
// derive_key is an unsalted HKDF-Expand over the current input keying
// material; seal is a salted HKDF-Expand (a fixed application-wide salt)
// over the concatenation of infos (+ the image hash when requested),
// producing a new Sealing whose input keying material is the derived
// output. Two implementations are kept, matching the original's ring.rs
// (kernel-keyring backed) / dummy.rs (stub) split.
package sealkey

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// applicationSealingSalt is the fixed salt used for the salted seal()
// expansion, mirroring hkdf.rs's APPLICATION_SLK_SALT constant (an
// application-wide, not per-instance, constant — it provides domain
// separation between "derive" and "seal" expansions of the same IKM, not
// secrecy).
var applicationSealingSalt = []byte("warden-application-slk-salt-v1")

// Sealing is a chain of key-derivation material. DeriveKey produces output
// key material for immediate use; Seal advances the chain and returns the
// next generation's Sealing, which a caller uses for the next round of
// derivation (e.g. the data partition's key, sealed after the image's
// content has been verified).
type Sealing interface {
	DeriveKey(length int, infos ...[]byte) ([]byte, error)
	Seal(infos ...[]byte) Sealing
}

// hkdfSealing is the concrete chain implementation, parameterised over
// where its initial input keying material came from.
type hkdfSealing struct {
	ikm []byte
}

// FromIKM constructs the first generation of the chain directly from input
// keying material (ikm). Callers supply ikm; cmd/realm-agent reads it from
// a boot-provisioned seed file.
func FromIKM(ikm []byte) Sealing {
	cp := make([]byte, len(ikm))
	copy(cp, ikm)
	return &hkdfSealing{ikm: cp}
}

// DeriveKey performs an unsalted HKDF-Expand over infos, matching hkdf.rs's
// derive_key: `Hkdf::<Sha256>::new(None, &self.ikm)` + `expand_multi_info`.
func (s *hkdfSealing) DeriveKey(length int, infos ...[]byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, s.ikm, nil, concatInfo(infos))
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("sealkey: derive_key: %w", err)
	}
	return out, nil
}

// Seal performs a salted HKDF-Expand over infos, matching hkdf.rs's seal:
// `Hkdf::<Sha256>::new(Some(&APPLICATION_SLK_SALT), &self.ikm)` +
// `expand(concat(infos))`, and returns a new Sealing whose IKM is the
// resulting output key material — the next generation of the chain.
func (s *hkdfSealing) Seal(infos ...[]byte) Sealing {
	reader := hkdf.New(sha256.New, s.ikm, applicationSealingSalt, concatInfo(infos))
	next := make([]byte, sha256.Size)
	// A failure here can only be a too-large output request, which cannot
	// happen for a fixed sha256.Size length; the original's seal() is
	// likewise infallible once ikm is established.
	_, _ = io.ReadFull(reader, next)
	return &hkdfSealing{ikm: next}
}

func concatInfo(infos [][]byte) []byte {
	var buf bytes.Buffer
	for _, i := range infos {
		buf.Write(i)
	}
	return buf.Bytes()
}
