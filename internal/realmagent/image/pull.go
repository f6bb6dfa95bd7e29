// Package image implements base spec §4.7 step 5: download and unpack the
// OCI image for an application's (name, version), verify its two-stage
// vendor signature chain, and record what was installed so a matching
// redeploy skips verification and unpacking, and a registry outage falls
// back to the installed image.
//
// Grounded on _examples/xfeldman-aegisvm/internal/image/{pull,unpack,cache}.go
// for the pull/unpack/digest-cache shape, and on
// original_source/realm/app-manager/src/launcher/oci.rs for the
// signature-chain verification and install-vs-launch-installed decision
// this package's Provision adds on top of that shape.
package image

import (
	"context"
	"fmt"
	"runtime"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

// PullResult is a resolved, architecture-matched image together with its
// content digest.
type PullResult struct {
	Image  v1.Image
	Digest string
}

// pull resolves imageRef and fetches the linux/$GOARCH variant. pull runs
// in the realm agent inside the guest, so runtime.GOARCH is the guest's
// own architecture.
func pull(ctx context.Context, imageRef string) (*PullResult, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return nil, fmt.Errorf("image: parse reference %q: %w", imageRef, err)
	}

	platform := &v1.Platform{OS: "linux", Architecture: runtime.GOARCH}

	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithPlatform(*platform))
	if err != nil {
		return nil, fmt.Errorf("image: pull %s: %w", imageRef, err)
	}

	var img v1.Image
	switch desc.MediaType {
	case types.OCIImageIndex, types.DockerManifestList:
		idx, err := desc.ImageIndex()
		if err != nil {
			return nil, fmt.Errorf("image: read index: %w", err)
		}
		manifest, err := idx.IndexManifest()
		if err != nil {
			return nil, fmt.Errorf("image: read index manifest: %w", err)
		}
		for _, m := range manifest.Manifests {
			if m.Platform != nil && m.Platform.OS == "linux" && m.Platform.Architecture == runtime.GOARCH {
				img, err = idx.Image(m.Digest)
				if err != nil {
					return nil, fmt.Errorf("image: read linux/%s manifest: %w", runtime.GOARCH, err)
				}
				break
			}
		}
		if img == nil {
			return nil, fmt.Errorf("image: no linux/%s variant in %s", runtime.GOARCH, imageRef)
		}
	default:
		img, err = desc.Image()
		if err != nil {
			return nil, fmt.Errorf("image: read image: %w", err)
		}
		cfg, err := img.ConfigFile()
		if err != nil {
			return nil, fmt.Errorf("image: read config: %w", err)
		}
		if cfg.OS != "linux" || cfg.Architecture != runtime.GOARCH {
			return nil, fmt.Errorf("image: %s is %s/%s, realm requires linux/%s", imageRef, cfg.OS, cfg.Architecture, runtime.GOARCH)
		}
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("image: digest: %w", err)
	}
	return &PullResult{Image: img, Digest: digest.String()}, nil
}
