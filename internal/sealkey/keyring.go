// Linux kernel keyring publication, used by base spec §4.7 step 2 ("publish
// it into the kernel keyring under a name derived from the partition
// GUID"). Grounded on
// original_source/realm/app-manager/src/key/ring.rs's KernelKeyring.logon_seal,
// which attaches to a parent keyring and adds a "logon"-type key — the only
// key type the kernel accepts payloads for without also being readable back
// out by userspace, appropriate for a key dm-crypt will reference by
// description rather than by raw value.
package sealkey

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SpecialKeyring identifies one of the kernel's well-known keyring IDs.
type SpecialKeyring int32

const (
	KeyringSession    SpecialKeyring = -3 // KEY_SPEC_SESSION_KEYRING
	KeyringUser       SpecialKeyring = -4 // KEY_SPEC_USER_KEYRING
	KeyringUserSession SpecialKeyring = -5 // KEY_SPEC_USER_SESSION_KEYRING
)

// Keyring publishes sealed key material under a kernel-keyring description
// so device-mapper can reference it by name instead of by raw value (see
// internal/dmcrypt's Key.Keyring variant).
type Keyring interface {
	// LogonSeal adds a "logon"-type key named "<subtype>:<description>"
	// holding payload, to the keyring this Keyring was attached to.
	LogonSeal(subtype, description string, payload []byte) error
}

// keyctlGetKeyringID is Linux's KEYCTL_GET_KEYRING_ID command number
// (include/uapi/linux/keyctl.h); x/sys/unix does not expose the keyctl(2)
// command constants, only the add_key/keyctl syscall numbers themselves.
const keyctlGetKeyringID = 0

// KernelKeyring is a Keyring backed by the real Linux kernel keyring ABI.
type KernelKeyring struct {
	parent SpecialKeyring
}

// NewKernelKeyring attaches to (creating if necessary) the given special
// keyring, matching ring.rs's Keyring::attach_or_create.
func NewKernelKeyring(parent SpecialKeyring) (*KernelKeyring, error) {
	// KEYCTL_GET_KEYRING_ID with create=1 attaches-or-creates.
	_, err := keyctl(keyctlGetKeyringID, uintptr(int32(parent)), 1, 0)
	if err != nil {
		return nil, fmt.Errorf("sealkey: attach keyring %d: %w", parent, err)
	}
	return &KernelKeyring{parent: parent}, nil
}

// LogonSeal implements Keyring via the add_key(2) syscall with key type
// "logon", matching ring.rs's add_key::<Logon,_,_>(key_desc, payload).
func (k *KernelKeyring) LogonSeal(subtype, description string, payload []byte) error {
	desc := subtype + ":" + description

	keyType := append([]byte("logon"), 0)
	descBytes := append([]byte(desc), 0)

	var payloadPtr unsafe.Pointer
	if len(payload) > 0 {
		payloadPtr = unsafe.Pointer(&payload[0])
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_ADD_KEY,
		uintptr(unsafe.Pointer(&keyType[0])),
		uintptr(unsafe.Pointer(&descBytes[0])),
		uintptr(payloadPtr),
		uintptr(len(payload)),
		uintptr(int32(k.parent)),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("sealkey: add_key(logon, %s): %w", desc, errno)
	}
	return nil
}

func keyctl(cmd int, arg2, arg3, arg4 uintptr) (uintptr, error) {
	r1, _, errno := unix.Syscall6(unix.SYS_KEYCTL, uintptr(cmd), arg2, arg3, arg4, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return r1, nil
}
