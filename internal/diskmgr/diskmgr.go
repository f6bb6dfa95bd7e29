// Package diskmgr implements the partition/disk manager described in base
// spec §4.3: given a workdir and two target sizes in MiB, it produces
// workdir/disk.raw containing a protective MBR and a GPT with exactly two
// named partitions, "image" then "data", in that fixed order.
//
// Grounded byte-for-byte on
// original_source/warden/warden_daemon/src/storage/app_disk_manager.rs:
// 512-byte logical sectors, partitions bounded in [1 MiB, 100 GiB], total
// file size = image_bytes + data_bytes + 68*512 (34 LBA for the primary GPT
// header+entries, 34 for the backup), and rebuild-on-size-mismatch
// semantics. github.com/diskfs/go-diskfs (seen as an indirect dependency of
// the cuemby-warren pack member) supplies the GPT/MBR codec; partition
// Start/End are set explicitly rather than left to the library's default
// 1 MiB alignment so the on-disk layout matches the formula above exactly.
package diskmgr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/google/uuid"
)

const (
	diskFileName = "disk.raw"

	// LBA, in bytes.
	sectorSize = 512

	// gptOverheadSectorsPerCopy is the primary GPT header+entries (LBA 1..33) plus
	// one protective-MBR sector (LBA 0); the backup GPT at the tail is the
	// same size again. 34 + 34 == 68 sectors total overhead.
	gptOverheadSectorsPerCopy = 34

	minPartitionMB = 1
	maxPartitionMB = 100 * 1024

	imagePartitionName = "image"
	dataPartitionName  = "data"
)

// Error kinds, per base spec §4.3.
var (
	ErrTooBig       = errors.New("diskmgr: requested partition exceeds 100 GiB")
	ErrEmpty        = errors.New("diskmgr: requested partition size is zero")
	ErrGPTWrite     = errors.New("diskmgr: failed to write GPT")
	ErrGPTRead      = errors.New("diskmgr: failed to read GPT")
	ErrSizeMismatch = errors.New("diskmgr: existing partition size does not match requested size")
)

// Manager owns the disk.raw file within one application's workdir.
type Manager struct {
	workdir string
}

// New returns a Manager rooted at workdir (the per-application directory;
// see base spec §6's persistent layout).
func New(workdir string) *Manager {
	return &Manager{workdir: workdir}
}

func (m *Manager) path() string { return filepath.Join(m.workdir, diskFileName) }

// DiskPath returns workdir/disk.raw, the path the VM launcher attaches as a
// block device once Ensure has materialised it.
func (m *Manager) DiskPath() string { return m.path() }

// PartitionGUIDs are the identifiers for the two partitions, assigned when
// disk.raw is created and kept for as long as that file is. A size change
// rebuilds disk.raw, and the rebuilt disk gets new GUIDs.
type PartitionGUIDs struct {
	Image uuid.UUID
	Data  uuid.UUID
}

func mbToBytes(mb uint64) (uint64, error) {
	if mb == 0 {
		return 0, ErrEmpty
	}
	if mb > maxPartitionMB {
		return 0, fmt.Errorf("%w: %d MiB", ErrTooBig, mb)
	}
	return mb * 1024 * 1024, nil
}

func totalSizeBytes(imageBytes, dataBytes uint64) uint64 {
	return imageBytes + dataBytes + 2*gptOverheadSectorsPerCopy*sectorSize
}

// Ensure guarantees workdir/disk.raw exists with an "image" partition of
// exactly imageMB and a "data" partition of exactly dataMB. If the file is
// absent it is created; if present but its partition sizes differ from the
// request, it is destructively rebuilt (base spec: "resizing is
// destructive — a requested size mismatch triggers rebuild").
func (m *Manager) Ensure(imageMB, dataMB uint64) (PartitionGUIDs, error) {
	imageBytes, err := mbToBytes(imageMB)
	if err != nil {
		return PartitionGUIDs{}, err
	}
	dataBytes, err := mbToBytes(dataMB)
	if err != nil {
		return PartitionGUIDs{}, err
	}

	if _, err := os.Stat(m.path()); err == nil {
		guids, sizesOK, err := m.currentGUIDsAndSizes(imageBytes, dataBytes)
		if err == nil && sizesOK {
			return guids, nil
		}
		// Either unreadable or sizes differ: rebuild.
	}

	return m.create(imageBytes, dataBytes)
}

func (m *Manager) create(imageBytes, dataBytes uint64) (PartitionGUIDs, error) {
	total := totalSizeBytes(imageBytes, dataBytes)

	if err := os.MkdirAll(m.workdir, 0o700); err != nil {
		return PartitionGUIDs{}, fmt.Errorf("diskmgr: mkdir %s: %w", m.workdir, err)
	}

	// Remove any previous (mismatched) disk file before recreating — the
	// create path is destructive by design.
	_ = os.Remove(m.path())

	d, err := diskfs.Create(m.path(), int64(total), diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return PartitionGUIDs{}, fmt.Errorf("%w: create %s: %v", ErrGPTWrite, m.path(), err)
	}
	defer d.Close()

	imageGUID := uuid.New()
	dataGUID := uuid.New()

	imageSectors := imageBytes / sectorSize
	dataSectors := dataBytes / sectorSize

	imageStart := uint64(gptOverheadSectorsPerCopy)
	imageEnd := imageStart + imageSectors - 1
	dataStart := imageEnd + 1
	dataEnd := dataStart + dataSectors - 1

	table := &gpt.Table{
		LogicalSectorSize:  sectorSize,
		PhysicalSectorSize: sectorSize,
		ProtectiveMBR:      true,
		Partitions: []*gpt.Partition{
			{
				Start: imageStart,
				End:   imageEnd,
				Size:  imageBytes,
				Type:  gpt.LinuxFilesystem,
				Name:  imagePartitionName,
				GUID:  imageGUID.String(),
			},
			{
				Start: dataStart,
				End:   dataEnd,
				Size:  dataBytes,
				Type:  gpt.LinuxFilesystem,
				Name:  dataPartitionName,
				GUID:  dataGUID.String(),
			},
		},
	}

	if err := d.Partition(table); err != nil {
		return PartitionGUIDs{}, fmt.Errorf("%w: %v", ErrGPTWrite, err)
	}

	return PartitionGUIDs{Image: imageGUID, Data: dataGUID}, nil
}

// readPartitions parses the on-disk GPT and returns each named partition's
// GUID and byte size.
func (m *Manager) readPartitions() (guids PartitionGUIDs, imageSize, dataSize uint64, err error) {
	d, err := diskfs.Open(m.path())
	if err != nil {
		return PartitionGUIDs{}, 0, 0, fmt.Errorf("%w: open %s: %v", ErrGPTRead, m.path(), err)
	}
	defer d.Close()

	table, err := d.GetPartitionTable()
	if err != nil {
		return PartitionGUIDs{}, 0, 0, fmt.Errorf("%w: %v", ErrGPTRead, err)
	}

	gptTable, ok := table.(*gpt.Table)
	if !ok {
		return PartitionGUIDs{}, 0, 0, fmt.Errorf("%w: not a GPT table", ErrGPTRead)
	}

	var haveImage, haveData bool
	for _, p := range gptTable.Partitions {
		switch p.Name {
		case imagePartitionName:
			haveImage = true
			imageSize = p.Size
			guids.Image, _ = uuid.Parse(p.GUID)
		case dataPartitionName:
			haveData = true
			dataSize = p.Size
			guids.Data, _ = uuid.Parse(p.GUID)
		}
	}
	if !haveImage || !haveData {
		return PartitionGUIDs{}, 0, 0, fmt.Errorf("%w: image or data partition missing", ErrGPTRead)
	}
	return guids, imageSize, dataSize, nil
}

// currentGUIDsAndSizes reads the on-disk GPT and reports whether its two
// partitions match the requested byte sizes exactly.
func (m *Manager) currentGUIDsAndSizes(wantImageBytes, wantDataBytes uint64) (PartitionGUIDs, bool, error) {
	guids, imageSize, dataSize, err := m.readPartitions()
	if err != nil {
		return PartitionGUIDs{}, false, err
	}
	sizesOK := imageSize == wantImageBytes && dataSize == wantDataBytes
	return guids, sizesOK, nil
}

// GUIDs returns the current partition GUIDs without changing anything. It
// fails with ErrGPTRead if disk.raw does not exist or cannot be parsed.
func (m *Manager) GUIDs() (PartitionGUIDs, error) {
	guids, _, _, err := m.readPartitions()
	if err != nil {
		return PartitionGUIDs{}, err
	}
	return guids, nil
}
