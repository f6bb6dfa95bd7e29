package image

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

type tarEntry struct {
	typeflag byte
	name     string
	content  string
	linkname string
	mode     int64
}

func buildLayer(t *testing.T, entries []tarEntry) v1.Layer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Typeflag: e.typeflag, Mode: e.mode, Linkname: e.linkname}
		if e.typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.content))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header for %s: %v", e.name, err)
		}
		if e.typeflag == tar.TypeReg && len(e.content) > 0 {
			if _, err := tw.Write([]byte(e.content)); err != nil {
				t.Fatalf("write tar content for %s: %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	layer, err := tarball.LayerFromReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("tarball.LayerFromReader: %v", err)
	}
	return layer
}

func buildImage(t *testing.T, layers ...v1.Layer) v1.Image {
	t.Helper()
	adds := make([]mutate.Addendum, len(layers))
	for i, l := range layers {
		adds[i] = mutate.Addendum{Layer: l}
	}
	img, err := mutate.Append(empty.Image, adds...)
	if err != nil {
		t.Fatalf("mutate.Append: %v", err)
	}
	return img
}

func TestUnpackRegularFilesAndDirs(t *testing.T) {
	dest := t.TempDir()

	layer := buildLayer(t, []tarEntry{
		{typeflag: tar.TypeDir, name: "etc/", mode: 0o755},
		{typeflag: tar.TypeReg, name: "etc/hostname", content: "realm", mode: 0o644},
		{typeflag: tar.TypeReg, name: "hello.txt", content: "world", mode: 0o644},
	})
	img := buildImage(t, layer)

	if err := unpack(img, dest); err != nil {
		t.Fatalf("unpack: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "etc", "hostname"))
	if err != nil {
		t.Fatalf("read etc/hostname: %v", err)
	}
	if string(data) != "realm" {
		t.Errorf("etc/hostname = %q, want %q", data, "realm")
	}

	data, err = os.ReadFile(filepath.Join(dest, "hello.txt"))
	if err != nil {
		t.Fatalf("read hello.txt: %v", err)
	}
	if string(data) != "world" {
		t.Errorf("hello.txt = %q, want %q", data, "world")
	}
}

func TestUnpackLaterLayerWhiteoutsRemoveEarlierFile(t *testing.T) {
	dest := t.TempDir()

	base := buildLayer(t, []tarEntry{
		{typeflag: tar.TypeReg, name: "keep.txt", content: "stays", mode: 0o644},
		{typeflag: tar.TypeReg, name: "gone.txt", content: "removed", mode: 0o644},
	})
	overlay := buildLayer(t, []tarEntry{
		{typeflag: tar.TypeReg, name: ".wh.gone.txt", mode: 0o644},
	})
	img := buildImage(t, base, overlay)

	if err := unpack(img, dest); err != nil {
		t.Fatalf("unpack: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dest, "keep.txt")); err != nil {
		t.Errorf("expected keep.txt to survive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "gone.txt")); !os.IsNotExist(err) {
		t.Error("expected gone.txt to be removed by whiteout")
	}
}

func TestUnpackOpaqueWhiteoutClearsDirectory(t *testing.T) {
	dest := t.TempDir()

	base := buildLayer(t, []tarEntry{
		{typeflag: tar.TypeDir, name: "data/", mode: 0o755},
		{typeflag: tar.TypeReg, name: "data/a.txt", content: "a", mode: 0o644},
		{typeflag: tar.TypeReg, name: "data/b.txt", content: "b", mode: 0o644},
	})
	overlay := buildLayer(t, []tarEntry{
		{typeflag: tar.TypeDir, name: "data/", mode: 0o755},
		{typeflag: tar.TypeReg, name: "data/.wh..wh..opq", mode: 0o644},
		{typeflag: tar.TypeReg, name: "data/c.txt", content: "c", mode: 0o644},
	})
	img := buildImage(t, base, overlay)

	if err := unpack(img, dest); err != nil {
		t.Fatalf("unpack: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dest, "data", "a.txt")); !os.IsNotExist(err) {
		t.Error("expected data/a.txt to be cleared by opaque whiteout")
	}
	if _, err := os.Stat(filepath.Join(dest, "data", "b.txt")); !os.IsNotExist(err) {
		t.Error("expected data/b.txt to be cleared by opaque whiteout")
	}
	data, err := os.ReadFile(filepath.Join(dest, "data", "c.txt"))
	if err != nil {
		t.Fatalf("read data/c.txt: %v", err)
	}
	if string(data) != "c" {
		t.Errorf("data/c.txt = %q, want %q", data, "c")
	}
}

func TestUnpackSymlink(t *testing.T) {
	dest := t.TempDir()

	layer := buildLayer(t, []tarEntry{
		{typeflag: tar.TypeReg, name: "real.txt", content: "x", mode: 0o644},
		{typeflag: tar.TypeSymlink, name: "link.txt", linkname: "real.txt"},
	})
	img := buildImage(t, layer)

	if err := unpack(img, dest); err != nil {
		t.Fatalf("unpack: %v", err)
	}

	target, err := os.Readlink(filepath.Join(dest, "link.txt"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "real.txt" {
		t.Errorf("symlink target = %q, want real.txt", target)
	}
}

func TestUnpackRejectsPathTraversal(t *testing.T) {
	dest := t.TempDir()

	layer := buildLayer(t, []tarEntry{
		{typeflag: tar.TypeReg, name: "../../etc/passwd", content: "evil", mode: 0o644},
	})
	img := buildImage(t, layer)

	if err := unpack(img, dest); err != nil {
		t.Fatalf("unpack: %v", err)
	}

	if _, err := os.Stat(filepath.Join(filepath.Dir(filepath.Dir(dest)), "etc", "passwd")); !os.IsNotExist(err) {
		t.Error("path traversal entry should not have escaped dest")
	}
}
