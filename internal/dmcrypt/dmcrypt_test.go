package dmcrypt

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTableLineAesXtsPlain64(t *testing.T) {
	params := CryptoParams{Cipher: AES, BlockMode: XTS, IvMode: Plain64()}
	key := HexKey("deadbeef")
	dev := DeviceName("loop0")

	got := TableLine(0, 2048, params, key, dev, 0)
	want := "0 2048 crypt aes-xts-plain64 deadbeef 0 /dev/loop0 0"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTableLineEssiv(t *testing.T) {
	params := CryptoParams{Cipher: Serpent, BlockMode: CBC, IvMode: Essiv(SHA256)}
	got := TargetParams(params, RawKey([]byte{0xab, 0xcd}), DeviceMajorMinor(7, 3), 512)
	want := "serpent-cbc-essiv:sha256 abcd 0 7:3 512"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTableLineKeyringKey(t *testing.T) {
	key := KeyringKey(32, KeyTypeLogon, "app-manager:image-part-guid")
	got := key.String()
	want := ":32:logon:app-manager:image-part-guid"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTableLineAdditionalOptions(t *testing.T) {
	params := CryptoParams{
		Cipher: Twofish, BlockMode: CBC, IvMode: Plain(),
		AdditionalOptions: []string{"allow_discards", "sector_size:4096"},
	}
	got := TargetParams(params, HexKey("00"), DeviceName("dm-0"), 0)
	want := "twofish-cbc-plain 00 0 /dev/dm-0 0 2 allow_discards sector_size:4096"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDeviceMknodUsesMajorMinorFromCreate(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("mknod requires CAP_MKNOD")
	}

	d := &Device{dev: uint64(253<<8 | 7)} // a plausible device-mapper major:minor
	path := filepath.Join(t.TempDir(), "fake-crypt-dev")
	if err := d.Mknod(path); err != nil {
		t.Fatalf("Mknod: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if info.Mode()&os.ModeDevice == 0 {
		t.Fatalf("Mknod at %s did not create a device file, mode = %v", path, info.Mode())
	}
}
