package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// IVSize is the length of the fixed initialization vector.
const IVSize = aes.BlockSize

// PageCipher encrypts page bodies with AES in CTR mode. Every page write uses
// its own IV, derived from the fixed IV, the page position and the page's
// update counter, so a key stream is never reused for two different images of
// the same page.
type PageCipher struct {
	block cipher.Block
	iv    [IVSize]byte
}

// NewPageCipher creates a new PageCipher.
// The key must be 16, 24, or 32 bytes long to select AES-128, AES-192, or AES-256 respectively.
func NewPageCipher(key, iv []byte) (*PageCipher, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("encryption key must be 16, 24 or 32 bytes, got %d", len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("encryption iv must be %d bytes, got %d", IVSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	c := &PageCipher{block: block}
	copy(c.iv[:], iv)
	return c, nil
}

// PageIV derives the IV of one page image: bytes 0..7 are XOR-ed with
// pageIndex, bytes 4..7 additionally with fileID and bytes 8..15 with
// updateCounter, all little-endian. Page indexes stay below 2^32, so fileID
// and pageIndex never cancel out.
func (c *PageCipher) PageIV(fileID int32, pageIndex int64, updateCounter uint64) [IVSize]byte {
	iv := c.iv
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(pageIndex)^uint64(uint32(fileID))<<32)
	for i := 0; i < 8; i++ {
		iv[i] ^= tmp[i]
	}
	binary.LittleEndian.PutUint64(tmp[:], updateCounter)
	for i := 0; i < 8; i++ {
		iv[8+i] ^= tmp[i]
	}
	return iv
}

// XORKeyStream encrypts or decrypts src into dst (they may overlap exactly).
// CTR mode is symmetric, so the same call reverses itself.
func (c *PageCipher) XORKeyStream(fileID int32, pageIndex int64, updateCounter uint64, dst, src []byte) {
	iv := c.PageIV(fileID, pageIndex, updateCounter)
	cipher.NewCTR(c.block, iv[:]).XORKeyStream(dst, src)
}
