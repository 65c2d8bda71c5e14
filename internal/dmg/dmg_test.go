package dmg

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, data []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "dmg-*.img")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	return f
}

func putBlkxDesc(buf []byte, off int, typ uint32, sectorStart, sectorCount, offData, dataSize uint64) {
	binary.BigEndian.PutUint32(buf[off:off+4], typ)
	binary.BigEndian.PutUint64(buf[off+8:off+16], sectorStart)
	binary.BigEndian.PutUint64(buf[off+16:off+24], sectorCount)
	binary.BigEndian.PutUint64(buf[off+24:off+32], offData)
	binary.BigEndian.PutUint64(buf[off+32:off+40], dataSize)
}

// buildBlkxBlob builds a "mish" BLKX resource blob with a raw run, an
// ignore (zero) run, and a zlib-compressed run, terminated.
func buildBlkxBlob(rawOffset, zlibOffset uint64, zlibDataSize uint64) []byte {
	const runCount = 4
	blob := make([]byte, blkxDescHeaderSize+runCount*blkxDescEntrySize)

	binary.BigEndian.PutUint32(blob[0:4], blkxMagic)
	binary.BigEndian.PutUint32(blob[4:8], blkxVersion)
	binary.BigEndian.PutUint32(blob[200:204], runCount)

	descs := blob[blkxDescHeaderSize:]
	putBlkxDesc(descs, 0*blkxDescEntrySize, blkxDescRaw, 0, 2, rawOffset, 2*sectorSize)
	putBlkxDesc(descs, 1*blkxDescEntrySize, blkxDescIgnore, 2, 3, 0, 0)
	putBlkxDesc(descs, 2*blkxDescEntrySize, blkxDescZlib, 5, 2, zlibOffset, zlibDataSize)
	putBlkxDesc(descs, 3*blkxDescEntrySize, blkxDescTerminator, 7, 0, 0, 0)

	return blob
}

func buildXML(blkxBase64 string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
<key>resource-fork</key>
<dict>
<key>blkx</key>
<array>
<dict>
<key>Attributes</key>
<integer>80</integer>
<key>ID</key>
<integer>0</integer>
<key>Name</key>
<string>disk image</string>
<key>Data</key>
<data>
%s
</data>
</dict>
</array>
</dict>
</dict>
</plist>
`, blkxBase64)
}

func buildImage(t *testing.T) ([]byte, int64) {
	t.Helper()

	rawPayload := bytes.Repeat([]byte{0xAB}, 2*sectorSize)

	var zlibBuf bytes.Buffer
	zw := zlib.NewWriter(&zlibBuf)
	zlibPlain := bytes.Repeat([]byte{0xCD}, 2*sectorSize)
	_, err := zw.Write(zlibPlain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	const rawOffset = 0
	zlibOffset := uint64(len(rawPayload))

	blkxBlob := buildBlkxBlob(rawOffset, zlibOffset, uint64(zlibBuf.Len()))
	xml := buildXML(base64.StdEncoding.EncodeToString(blkxBlob))

	dataRegion := append(append([]byte(nil), rawPayload...), zlibBuf.Bytes()...)

	xmlOffset := uint64(len(dataRegion))
	buf := append(dataRegion, []byte(xml)...)

	const footerSize = udifFooterSize
	footerBuf := make([]byte, footerSize)
	binary.BigEndian.PutUint32(footerBuf[0:4], udifMagic)
	binary.BigEndian.PutUint32(footerBuf[4:8], udifVersionCurrent)
	binary.BigEndian.PutUint32(footerBuf[8:12], footerSize)
	binary.BigEndian.PutUint64(footerBuf[0xd8:0xe0], xmlOffset)
	binary.BigEndian.PutUint64(footerBuf[0xe0:0xe8], uint64(len(xml)))
	binary.BigEndian.PutUint32(footerBuf[0x1e8:0x1ec], udifTypeDevice)
	binary.BigEndian.PutUint64(footerBuf[0x1ec:0x1f4], 7) // 7 sectors total

	buf = append(buf, footerBuf...)

	return buf, 7 * sectorSize
}

func TestOpenRawExtentRead(t *testing.T) {
	buf, diskSize := buildImage(t)
	f := writeTemp(t, buf)
	defer f.Close()

	img, err := Open(f)
	require.NoError(t, err)
	defer img.Close()

	require.Equal(t, diskSize, img.Size())

	got := make([]byte, 4)
	_, err = img.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAB, 0xAB, 0xAB, 0xAB}, got)
}

func TestOpenIgnoreExtentReadsZero(t *testing.T) {
	buf, _ := buildImage(t)
	f := writeTemp(t, buf)
	defer f.Close()

	img, err := Open(f)
	require.NoError(t, err)
	defer img.Close()

	got := make([]byte, 4)
	_, err = img.ReadAt(got, 2*sectorSize)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, got)
}

func TestOpenZlibExtentRead(t *testing.T) {
	buf, _ := buildImage(t)
	f := writeTemp(t, buf)
	defer f.Close()

	img, err := Open(f)
	require.NoError(t, err)
	defer img.Close()

	got := make([]byte, 4)
	_, err = img.ReadAt(got, 5*sectorSize)
	require.NoError(t, err)
	require.Equal(t, []byte{0xCD, 0xCD, 0xCD, 0xCD}, got)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	buf, _ := buildImage(t)
	binary.BigEndian.PutUint32(buf[len(buf)-udifFooterSize:], 0)

	f := writeTemp(t, buf)
	defer f.Close()

	_, err := Open(f)
	require.Error(t, err)
}
