// pipeline.go implements base spec §4.7's per-application disk-and-launcher
// pipeline: locate the partition by GUID, derive and publish a sealing key,
// open a dm-crypt target, mount-or-format it, provision the OCI image,
// advance the seal and decrypt the data partition, compose the overlay,
// and hand the result to a Supervisor. Teardown runs the same sequence in
// reverse.
package realmagent

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xfeldman/warden/internal/dmcrypt"
	"github.com/xfeldman/warden/internal/overlayfs"
	"github.com/xfeldman/warden/internal/realmagent/image"
	"github.com/xfeldman/warden/internal/realmprotocol"
	"github.com/xfeldman/warden/internal/sealkey"
)

// defaultCryptoParams is the single cipher suite every application's two
// partitions are opened with. The wire protocol's ApplicationInfo (base
// spec §4.8.1) carries no per-application cipher selection, so one fixed,
// modern suite stands in for the original's per-app configurability — an
// aes-xts-plain64 crypt target, the same combination cryptsetup defaults
// to for LUKS2.
var defaultCryptoParams = dmcrypt.CryptoParams{
	Cipher:    dmcrypt.AES,
	BlockMode: dmcrypt.XTS,
	IvMode:    dmcrypt.Plain64(),
}

const imageKeyLabel = "App manager label"

// provisionedApp is everything live for one application: its Supervisor and
// the teardown that unwinds the disk pipeline once the Supervisor has
// stopped.
type provisionedApp struct {
	supervisor *Supervisor
	teardown   func()
}

// provisionApplication runs base spec §4.7 steps 1-8 for one application
// and starts its Supervisor.
func provisionApplication(ctx context.Context, workdir string, app realmprotocol.ApplicationInfo, keySource sealkey.Sealing, caPub *ecdsa.PublicKey) (*provisionedApp, error) {
	var unwind []func()
	fail := func(err error) (*provisionedApp, error) {
		for i := len(unwind) - 1; i >= 0; i-- {
			unwind[i]()
		}
		return nil, err
	}

	// Step 1: locate the image partition by GUID.
	imageDev, err := locatePartitionByGUID(app.ImagePartUUID)
	if err != nil {
		return fail(fmt.Errorf("realmagent: locate image partition: %w", err))
	}

	// Step 2: derive image_key and publish it into the kernel keyring.
	imageKey, err := keySource.DeriveKey(32, []byte(imageKeyLabel))
	if err != nil {
		return fail(fmt.Errorf("realmagent: derive image key: %w", err))
	}
	imageKeyDesc := "image-key:" + app.ImagePartUUID.String()
	keyring, err := sealkey.NewKernelKeyring(sealkey.KeyringSession)
	if err != nil {
		return fail(fmt.Errorf("realmagent: attach keyring: %w", err))
	}
	if err := keyring.LogonSeal("warden", imageKeyDesc, imageKey); err != nil {
		return fail(fmt.Errorf("realmagent: publish image key: %w", err))
	}

	// Step 3: open the dm-crypt target over the raw partition.
	imageMapperName := "warden-image-" + app.ID.String()
	imageSectors, err := deviceSizeSectors(imageDev)
	if err != nil {
		return fail(fmt.Errorf("realmagent: size image partition: %w", err))
	}
	imageCryptDev, err := dmcrypt.OpenCrypt(
		imageMapperName, imageSectors, defaultCryptoParams,
		dmcrypt.KeyringKey(len(imageKey)*8, dmcrypt.KeyTypeLogon, imageKeyDesc),
		dmcrypt.DeviceName(strings.TrimPrefix(imageDev, "/dev/")),
	)
	if err != nil {
		return fail(fmt.Errorf("realmagent: open image crypt target: %w", err))
	}
	unwind = append(unwind, func() { imageCryptDev.Remove(); imageCryptDev.Close() })

	imageMapperPath := filepath.Join(workdir, "dev-"+imageMapperName)
	if err := imageCryptDev.Mknod(imageMapperPath); err != nil {
		return fail(err)
	}

	// Step 4: mount-or-format the decrypted image device.
	imageMountDir := filepath.Join(workdir, "image")
	if err := mountOrFormat(imageMapperPath, imageMountDir); err != nil {
		return fail(err)
	}
	unwind = append(unwind, func() { unmountQuiet(imageMountDir) })

	// Step 5: pull/unpack/verify the OCI image into the decrypted image
	// partition, short-circuiting on a metadata match.
	imageRef := fmt.Sprintf("%s/%s:%s", strings.TrimSuffix(app.ImageRegistry, "/"), app.Name, app.Version)
	metadata, err := image.Provision(ctx, imageMountDir, imageRef, caPub)
	if err != nil {
		return fail(fmt.Errorf("realmagent: provision image: %w", err))
	}

	// Step 6: advance the seal over the vendor cert and image hash, derive
	// data_key, and decrypt the data partition the same way as the image.
	var sealInfo [][]byte
	for _, cert := range metadata.VendorCert {
		sealInfo = append(sealInfo, cert)
	}
	sealInfo = append(sealInfo, metadata.ConfigHash)
	nextSeal := keySource.Seal(sealInfo...)
	dataKey, err := nextSeal.DeriveKey(32, []byte(imageKeyLabel))
	if err != nil {
		return fail(fmt.Errorf("realmagent: derive data key: %w", err))
	}

	dataDev, err := locatePartitionByGUID(app.DataPartUUID)
	if err != nil {
		return fail(fmt.Errorf("realmagent: locate data partition: %w", err))
	}
	dataKeyDesc := "data-key:" + app.DataPartUUID.String()
	if err := keyring.LogonSeal("warden", dataKeyDesc, dataKey); err != nil {
		return fail(fmt.Errorf("realmagent: publish data key: %w", err))
	}

	dataMapperName := "warden-data-" + app.ID.String()
	dataSectors, err := deviceSizeSectors(dataDev)
	if err != nil {
		return fail(fmt.Errorf("realmagent: size data partition: %w", err))
	}
	dataCryptDev, err := dmcrypt.OpenCrypt(
		dataMapperName, dataSectors, defaultCryptoParams,
		dmcrypt.KeyringKey(len(dataKey)*8, dmcrypt.KeyTypeLogon, dataKeyDesc),
		dmcrypt.DeviceName(strings.TrimPrefix(dataDev, "/dev/")),
	)
	if err != nil {
		return fail(fmt.Errorf("realmagent: open data crypt target: %w", err))
	}
	unwind = append(unwind, func() { dataCryptDev.Remove(); dataCryptDev.Close() })

	dataMapperPath := filepath.Join(workdir, "dev-"+dataMapperName)
	if err := dataCryptDev.Mknod(dataMapperPath); err != nil {
		return fail(err)
	}

	dataRootDir := filepath.Join(workdir, "data", "root")
	if err := mountOrFormat(dataMapperPath, dataRootDir); err != nil {
		return fail(err)
	}
	unwind = append(unwind, func() { unmountQuiet(dataRootDir) })

	// Step 7: overlay-mount lower=image_root, upper=data/root, workdir=data/workdir.
	overlayTarget := filepath.Join(workdir, "overlay")
	overlayWorkDir := filepath.Join(dataRootDir, "workdir")
	overlayUpperDir := filepath.Join(dataRootDir, "root")
	layout := overlayfs.Layout{
		ImageRoot: image.RootDir(imageMountDir),
		UpperDir:  overlayUpperDir,
		WorkDir:   overlayWorkDir,
		Target:    overlayTarget,
	}
	if err := overlayfs.Mount(layout); err != nil {
		return fail(fmt.Errorf("realmagent: compose overlay: %w", err))
	}
	unwind = append(unwind, func() { overlayfs.Unmount(overlayTarget) })

	// Step 8: build ExecConfig and hand off to the supervisor.
	runtimeCfg, err := metadata.RuntimeConfig()
	if err != nil {
		return fail(fmt.Errorf("realmagent: decode runtime config: %w", err))
	}
	execCfg, err := image.BuildExecConfig(runtimeCfg)
	if err != nil {
		return fail(fmt.Errorf("realmagent: build exec config: %w", err))
	}
	execCfg.Chroot = overlayTarget

	sup, err := StartSupervisor(app.ID, execCfg)
	if err != nil {
		return fail(fmt.Errorf("realmagent: start supervisor: %w", err))
	}

	return &provisionedApp{
		supervisor: sup,
		teardown: func() {
			for i := len(unwind) - 1; i >= 0; i-- {
				unwind[i]()
			}
		},
	}, nil
}

// deviceSizeSectors reads a block device's size in 512-byte sectors from
// /sys/class/block/<name>/size, so no ioctl is issued alongside dmcrypt's
// own ioctl driver.
func deviceSizeSectors(devPath string) (uint64, error) {
	name := filepath.Base(devPath)
	sizePath := filepath.Join("/sys/class/block", name, "size")
	data, err := os.ReadFile(sizePath)
	if err != nil {
		return 0, fmt.Errorf("realmagent: read %s: %w", sizePath, err)
	}
	var sectors uint64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &sectors); err != nil {
		return 0, fmt.Errorf("realmagent: parse size of %s: %w", devPath, err)
	}
	return sectors, nil
}
