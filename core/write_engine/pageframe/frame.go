// Package pageframe adds and checks the on-disk framing of a page:
//
//	magicNumber(8) | crc32(4) | content(pageSize-12)
//
// The content may be encrypted. For encrypted pages the upper 56 bits of the
// magic number carry the page's update counter.
package pageframe

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/sushant-115/pagecache/core/security/encryption"
	flushmanager "github.com/sushant-115/pagecache/core/write_engine/flush_manager"
)

const (
	MagicNumberOffset = 0
	ChecksumOffset    = 8
	// PageDataOffset is the first byte owned by the page's user.
	PageDataOffset = 12
)

const (
	MagicWithChecksum             uint64 = 0xFACB03FE
	MagicWithoutChecksum          uint64 = 0xEF30BCAF
	MagicWithChecksumEncrypted    uint64 = 0x01
	MagicWithoutChecksumEncrypted uint64 = 0x02

	encryptedKindMask = 0xFF
)

// Framer frames and unframes pages. It is safe for concurrent use.
type Framer struct {
	checksum bool
	cipher   *encryption.PageCipher
}

// New returns a framer. cipher may be nil for plaintext pages.
func New(checksum bool, cipher *encryption.PageCipher) *Framer {
	return &Framer{checksum: checksum, cipher: cipher}
}

func (f *Framer) Encrypted() bool { return f.cipher != nil }

// Frame writes the magic number and checksum into page and encrypts the
// content in place. updateCounter is only used for encrypted pages and must
// grow on every write of the same page.
func (f *Framer) Frame(fileID int32, pageIndex int64, updateCounter uint64, page []byte) {
	var magic uint64
	switch {
	case f.cipher != nil && f.checksum:
		magic = updateCounter<<8 | MagicWithChecksumEncrypted
	case f.cipher != nil:
		magic = updateCounter<<8 | MagicWithoutChecksumEncrypted
	case f.checksum:
		magic = MagicWithChecksum
	default:
		magic = MagicWithoutChecksum
	}
	binary.LittleEndian.PutUint64(page[MagicNumberOffset:], magic)

	var sum uint32
	if f.checksum {
		sum = crc32.ChecksumIEEE(page[PageDataOffset:])
	}
	binary.LittleEndian.PutUint32(page[ChecksumOffset:], sum)

	if f.cipher != nil {
		body := page[PageDataOffset:]
		f.cipher.XORKeyStream(fileID, pageIndex, updateCounter, body, body)
	}
}

// BlankUpdateCounter is the update counter of blank filler pages. Real
// writes never use it.
const BlankUpdateCounter = 0

// FrameBlank turns page into a framed page with empty content.
func (f *Framer) FrameBlank(fileID int32, pageIndex int64, page []byte) {
	clear(page)
	f.Frame(fileID, pageIndex, BlankUpdateCounter, page)
}

// Unframe decrypts page in place and, when verify is set, checks its checksum.
// It returns the page's update counter. A page that was never written (all
// zero) is accepted as blank.
func (f *Framer) Unframe(fileID int32, pageIndex int64, page []byte, verify bool) (uint64, error) {
	magic := binary.LittleEndian.Uint64(page[MagicNumberOffset:])
	if magic == 0 && IsBlank(page) {
		return 0, nil
	}

	var encrypted, hasChecksum bool
	switch magic {
	case MagicWithChecksum:
		hasChecksum = true
	case MagicWithoutChecksum:
	default:
		switch magic & encryptedKindMask {
		case MagicWithChecksumEncrypted:
			encrypted, hasChecksum = true, true
		case MagicWithoutChecksumEncrypted:
			encrypted = true
		default:
			return 0, fmt.Errorf("%w: page %d:%d has magic %#x", flushmanager.ErrMagicMismatch, fileID, pageIndex, magic)
		}
	}

	var counter uint64
	if encrypted {
		if f.cipher == nil {
			return 0, fmt.Errorf("%w: page %d:%d", flushmanager.ErrEncryptionRequired, fileID, pageIndex)
		}
		counter = magic >> 8
		body := page[PageDataOffset:]
		f.cipher.XORKeyStream(fileID, pageIndex, counter, body, body)
	}

	if hasChecksum && verify {
		stored := binary.LittleEndian.Uint32(page[ChecksumOffset:])
		computed := crc32.ChecksumIEEE(page[PageDataOffset:])
		if stored != computed {
			return counter, fmt.Errorf("%w: page %d:%d stored %#x computed %#x",
				flushmanager.ErrChecksumMismatch, fileID, pageIndex, stored, computed)
		}
	}
	return counter, nil
}

// IsBlank reports whether every byte of page is zero.
func IsBlank(page []byte) bool {
	for _, b := range page {
		if b != 0 {
			return false
		}
	}
	return true
}
