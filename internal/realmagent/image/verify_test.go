package image

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"testing"
)

func generateTestAnnotations(t *testing.T, caPriv *ecdsa.PrivateKey, configBytes []byte) requiredAnnotations {
	t.Helper()

	vendorPriv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	vendorPubDER, err := x509.MarshalPKIXPublicKey(&vendorPriv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	configDigest := sha512.Sum384(configBytes)
	signature, err := ecdsa.SignASN1(rand.Reader, vendorPriv, configDigest[:])
	if err != nil {
		t.Fatal(err)
	}

	vendorPubDigest := sha512.Sum384(vendorPubDER)
	vendorPubSig, err := ecdsa.SignASN1(rand.Reader, caPriv, vendorPubDigest[:])
	if err != nil {
		t.Fatal(err)
	}

	return requiredAnnotations{signature: signature, vendorPub: vendorPubDER, vendorPubSig: vendorPubSig}
}

func TestVerifySignatureChainAcceptsValidChain(t *testing.T) {
	caPriv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	configBytes := []byte(`{"architecture":"amd64"}`)
	annotations := generateTestAnnotations(t, caPriv, configBytes)

	if err := verifySignatureChain(&caPriv.PublicKey, annotations, configBytes); err != nil {
		t.Errorf("expected chain to verify, got %v", err)
	}
}

func TestVerifySignatureChainRejectsWrongCA(t *testing.T) {
	caPriv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	otherCA, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	configBytes := []byte(`{"architecture":"amd64"}`)
	annotations := generateTestAnnotations(t, caPriv, configBytes)

	if err := verifySignatureChain(&otherCA.PublicKey, annotations, configBytes); err == nil {
		t.Error("expected verification against the wrong CA to fail")
	}
}

func TestVerifySignatureChainRejectsTamperedConfig(t *testing.T) {
	caPriv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	configBytes := []byte(`{"architecture":"amd64"}`)
	annotations := generateTestAnnotations(t, caPriv, configBytes)

	tampered := []byte(`{"architecture":"arm64"}`)
	if err := verifySignatureChain(&caPriv.PublicKey, annotations, tampered); err == nil {
		t.Error("expected verification of tampered config to fail")
	}
}

func TestParseAnnotationsRequiresAllThree(t *testing.T) {
	full := map[string]string{
		annotationSignature:    hex.EncodeToString([]byte("sig")),
		annotationVendorPub:    hex.EncodeToString([]byte("pub")),
		annotationVendorPubSig: hex.EncodeToString([]byte("pubsig")),
	}
	if _, err := parseAnnotations(full); err != nil {
		t.Errorf("expected full annotation set to parse, got %v", err)
	}

	for missing := range full {
		partial := map[string]string{}
		for k, v := range full {
			if k != missing {
				partial[k] = v
			}
		}
		if _, err := parseAnnotations(partial); err == nil {
			t.Errorf("expected parseAnnotations to fail without %s", missing)
		}
	}
}

func TestParseAnnotationsRejectsBadHex(t *testing.T) {
	bad := map[string]string{
		annotationSignature:    "not-hex!",
		annotationVendorPub:    hex.EncodeToString([]byte("pub")),
		annotationVendorPubSig: hex.EncodeToString([]byte("pubsig")),
	}
	if _, err := parseAnnotations(bad); err == nil {
		t.Error("expected non-hex annotation to fail to parse")
	}
}
