package image

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	gzip "github.com/klauspost/compress/gzip"
)

// unpack extracts every layer of img into destDir in order, applying OCI
// whiteouts (".wh." files and ".wh..wh..opq" opaque directory markers) as
// it goes. Uses klauspost/compress's gzip reader rather than the stdlib
// one for decompression throughput on multi-hundred-megabyte layers.
func unpack(img v1.Image, destDir string) error {
	layers, err := img.Layers()
	if err != nil {
		return fmt.Errorf("image: read layers: %w", err)
	}
	for i, layer := range layers {
		if err := unpackLayer(layer, destDir); err != nil {
			return fmt.Errorf("image: unpack layer %d: %w", i, err)
		}
	}
	return nil
}

func unpackLayer(layer v1.Layer, destDir string) error {
	rc, err := layer.Compressed()
	if err != nil {
		return fmt.Errorf("read compressed layer: %w", err)
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return fmt.Errorf("gzip reader: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		cleanName := filepath.Clean(hdr.Name)
		if strings.HasPrefix(cleanName, "..") {
			continue // refuse to escape destDir
		}
		target := filepath.Join(destDir, cleanName)
		base := filepath.Base(cleanName)
		dir := filepath.Dir(cleanName)

		if base == ".wh..wh..opq" {
			opaque := filepath.Join(destDir, dir)
			entries, _ := os.ReadDir(opaque)
			for _, e := range entries {
				os.RemoveAll(filepath.Join(opaque, e.Name()))
			}
			continue
		}
		if strings.HasPrefix(base, ".wh.") {
			os.RemoveAll(filepath.Join(destDir, dir, strings.TrimPrefix(base, ".wh.")))
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("mkdir %s: %w", cleanName, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("create %s: %w", cleanName, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %w", cleanName, err)
			}
			f.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("symlink %s -> %s: %w", cleanName, hdr.Linkname, err)
			}
		case tar.TypeLink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			linkTarget := filepath.Join(destDir, filepath.Clean(hdr.Linkname))
			os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return fmt.Errorf("hardlink %s -> %s: %w", cleanName, hdr.Linkname, err)
			}
		}
	}
}
