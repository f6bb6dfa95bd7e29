package sealkey

import "sync"

// StubKeyring is an in-memory Keyring for hosts/tests without a usable
// session keyring (no CAP_SYS_ADMIN, or running inside a container with the
// keyring namespace restricted). Grounded on
// original_source/realm/app-manager/src/key/dummy.rs, which plays the same
// role for the IKM-source side of the chain.
type StubKeyring struct {
	mu      sync.Mutex
	entries map[string][]byte
}

// NewStubKeyring returns an empty in-memory keyring.
func NewStubKeyring() *StubKeyring {
	return &StubKeyring{entries: make(map[string][]byte)}
}

// LogonSeal implements Keyring by recording the payload in memory.
func (k *StubKeyring) LogonSeal(subtype, description string, payload []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	k.entries[subtype+":"+description] = cp
	return nil
}

// Lookup returns a previously sealed payload, for test assertions.
func (k *StubKeyring) Lookup(subtype, description string) ([]byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.entries[subtype+":"+description]
	return v, ok
}
