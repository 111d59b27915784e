package bufferpool

import (
	"encoding/binary"
	"hash/crc32"
)

// Page checksums live in the first two 4-byte fields of the page image.
const (
	checksumField1Offset = 0
	checksumField2Offset = 4
	bodyOffset           = 8
)

// stampChecksum computes and writes both checksum fields for variant v.
// ChecksumNone leaves the fields untouched, matching innodb_checksum_algorithm=none.
func stampChecksum(page []byte, v ChecksumVariant) {
	if v == ChecksumNone || len(page) < bodyOffset {
		return
	}
	f1, f2 := computeChecksum(page, v)
	binary.BigEndian.PutUint32(page[checksumField1Offset:], f1)
	binary.BigEndian.PutUint32(page[checksumField2Offset:], f2)
}

// acceptedChecksumVariants are tried in order against an incoming page.
// The persisted page layout carries no per-page variant tag, so a read
// cannot know which variant wrote a given page — it only knows the
// instance's own configured variant, which may differ from whatever
// variant was configured when the page was last written (a reconfigured
// or mixed-config deployment). The first variant whose pair of checksum
// fields matches wins.
var acceptedChecksumVariants = [...]ChecksumVariant{ChecksumCRC32, ChecksumInnoDBLegacy}

// verifyChecksum reports whether page's two checksum fields are
// internally consistent for any accepted variant, ignoring v's own
// configured variant — see acceptedChecksumVariants. A page that has
// never been written is all zero and carries no valid checksum; it must
// not be reported as corrupted. v itself only matters for ChecksumNone,
// which accepts every page unconditionally.
func verifyChecksum(page []byte, v ChecksumVariant) bool {
	if v == ChecksumNone {
		return true
	}
	if isAllZero(page) {
		return true
	}
	if len(page) < bodyOffset {
		return false
	}
	wantF1 := binary.BigEndian.Uint32(page[checksumField1Offset:])
	wantF2 := binary.BigEndian.Uint32(page[checksumField2Offset:])
	for _, variant := range acceptedChecksumVariants {
		gotF1, gotF2 := computeChecksum(page, variant)
		if wantF1 == gotF1 && wantF2 == gotF2 {
			return true
		}
	}
	return false
}

func isAllZero(page []byte) bool {
	for _, b := range page {
		if b != 0 {
			return false
		}
	}
	return true
}

// computeChecksum splits the page body into two halves past the header
// checksum fields and checksums each half independently, so a single
// flipped bit anywhere in the page is overwhelmingly likely to disturb
// exactly one of the two fields.
func computeChecksum(page []byte, v ChecksumVariant) (f1, f2 uint32) {
	body := page[bodyOffset:]
	mid := len(body) / 2
	switch v {
	case ChecksumCRC32:
		return crc32.ChecksumIEEE(body[:mid]), crc32.ChecksumIEEE(body[mid:])
	case ChecksumInnoDBLegacy:
		return fletcherLike(body[:mid]), fletcherLike(body[mid:])
	default:
		return 0, 0
	}
}

// fletcherLike is a dependency-free stand-in for InnoDB's legacy
// ut_fold_binary checksum: a rolling multiply-and-add fold, kept around
// only so pages written under ChecksumInnoDBLegacy round-trip through
// this package; it is not meant to interoperate with a real InnoDB file.
func fletcherLike(data []byte) uint32 {
	var h uint32 = 1
	for _, b := range data {
		h = h*31 + uint32(b)
	}
	return h
}
