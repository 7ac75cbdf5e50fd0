// Package password implements the DES-based password codec and
// challenge/response verifier used by the VNC and pool-manager
// authentication paths.
package password

import (
	"crypto/cipher"
	"crypto/des"
	"encoding/hex"
	"fmt"
)

// Kind selects which of the two legacy DES schemes to apply.
type Kind int

const (
	// KindVNC is the per-VM VNC console password: 8 significant bytes,
	// single DES-ECB block.
	KindVNC Kind = iota
	// KindManager is the pool manager password: up to 16 bytes,
	// reverse-chained DES-CBC over two 8-byte blocks.
	KindManager
)

// Byte lengths of the two password kinds, matching the C limits
// XVP_MAX_VNC_PW and XVP_MAX_XEN_PW.
const (
	VNCLength     = 8
	ManagerLength = 16
)

var (
	vncKey     = []byte{0xc1, 0x24, 0x08, 0x99, 0xc2, 0x26, 0x07, 0x05}
	managerKey = []byte{0xcc, 0x10, 0x10, 0x58, 0xbe, 0x03, 0x07, 0x66}
)

func lengthFor(kind Kind) int {
	if kind == KindManager {
		return ManagerLength
	}
	return VNCLength
}

// Encrypt encrypts a plaintext password for storage in a config file.
// plaintext is zero-padded (or truncated) to the kind's fixed length.
func Encrypt(plaintext string, kind Kind) ([]byte, error) {
	n := lengthFor(kind)
	src := make([]byte, n)
	copy(src, plaintext)
	if kind == KindManager {
		return cryptManager(src, true)
	}
	return cryptVNC(src, true)
}

// Decrypt recovers the zero-padded plaintext bytes from a stored,
// encrypted password. Trailing zero bytes are not stripped, matching
// the original's representation.
func Decrypt(encrypted []byte, kind Kind) ([]byte, error) {
	n := lengthFor(kind)
	if len(encrypted) != n {
		return nil, fmt.Errorf("password: wrong encrypted length for kind %v: got %d, want %d", kind, len(encrypted), n)
	}
	if kind == KindManager {
		return cryptManager(encrypted, false)
	}
	return cryptVNC(encrypted, false)
}

// cryptVNC implements xvp_password_crypt_vnc: a single DES-ECB block
// under the fixed VNC key.
func cryptVNC(src []byte, encrypt bool) ([]byte, error) {
	block, err := des.NewCipher(vncKey)
	if err != nil {
		return nil, fmt.Errorf("password: des cipher: %w", err)
	}
	dst := make([]byte, VNCLength)
	if encrypt {
		block.Encrypt(dst, src)
	} else {
		block.Decrypt(dst, src)
	}
	return dst, nil
}

// cryptManager implements xvp_password_crypt_xen: two 8-byte blocks
// chained in reverse order under DES-CBC with a zero initial vector.
// The second block (bytes 8:16) is processed first with a zero IV;
// its ciphertext then seeds the IV for the first block (bytes 0:8).
func cryptManager(src []byte, encrypt bool) ([]byte, error) {
	block, err := des.NewCipher(managerKey)
	if err != nil {
		return nil, fmt.Errorf("password: des cipher: %w", err)
	}

	dst := make([]byte, ManagerLength)
	zeroIV := make([]byte, des.BlockSize)

	if encrypt {
		cipher.NewCBCEncrypter(block, zeroIV).CryptBlocks(dst[8:16], src[8:16])

		iv := make([]byte, des.BlockSize)
		copy(iv, dst[8:16])
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(dst[0:8], src[0:8])
	} else {
		cipher.NewCBCDecrypter(block, zeroIV).CryptBlocks(dst[8:16], src[8:16])

		iv := make([]byte, des.BlockSize)
		copy(iv, src[8:16])
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(dst[0:8], src[0:8])
	}

	return dst, nil
}

// EncodeHex renders encrypted password bytes as the lowercase hex text
// stored in config files.
func EncodeHex(encrypted []byte) string {
	return hex.EncodeToString(encrypted)
}

// DecodeHex parses the hex text from a config file back into raw
// encrypted password bytes, validating its length for the given kind.
func DecodeHex(text string, kind Kind) ([]byte, error) {
	n := lengthFor(kind)
	if len(text) != n*2 {
		return nil, fmt.Errorf("password: wrong hex length for kind %v: got %d chars, want %d", kind, len(text), n*2)
	}
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("password: invalid hex: %w", err)
	}
	return decoded, nil
}

func reverseBits(b byte) byte {
	var result byte
	for i := 0; i < 8; i++ {
		result <<= 1
		result |= b & 1
		b >>= 1
	}
	return result
}

func reverseBitsInPlace(key []byte) {
	for i := range key {
		key[i] = reverseBits(key[i])
	}
}
