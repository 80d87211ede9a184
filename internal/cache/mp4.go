package cache

import "encoding/binary"

// relocateMoovToFront rewrites an MP4 container so the moov atom
// precedes mdat, adjusting every stco/co64 chunk offset by the size of
// the atom it moved past. Browsers can start <video> playback before
// the full file is retrieved only when moov is at the front; media
// straight off a CMS export is often moov-at-tail. Returns blob
// unchanged if moov is already at the front or the atoms can't be
// parsed (malformed input is never fatal to caching).
func relocateMoovToFront(blob []byte) []byte {
	if detectMoovPosition(blob) != "tail" {
		return blob
	}

	find := func(data []byte, tag string) (off, size int) {
		for i := 0; i+8 <= len(data); {
			sz := int(binary.BigEndian.Uint32(data[i : i+4]))
			if sz < 8 || i+sz > len(data) {
				break
			}
			if string(data[i+4:i+8]) == tag {
				return i, sz
			}
			i += sz
		}
		return -1, 0
	}

	moovOff, moovSize := find(blob, "moov")
	mdatOff, _ := find(blob, "mdat")
	if moovOff < 0 || mdatOff < 0 || moovOff < mdatOff {
		return blob
	}

	delta := int64(moovSize)
	moov := make([]byte, moovSize)
	copy(moov, blob[moovOff:moovOff+moovSize])

	var adjust func(start, end int)
	adjust = func(start, end int) {
		for j := start; j+8 <= end; {
			sz := int(binary.BigEndian.Uint32(moov[j : j+4]))
			if sz < 8 || j+sz > end {
				break
			}
			switch string(moov[j+4 : j+8]) {
			case "trak", "mdia", "minf", "stbl":
				adjust(j+8, j+sz)
			case "stco":
				if j+16 <= len(moov) {
					count := int(binary.BigEndian.Uint32(moov[j+12 : j+16]))
					off := j + 16
					for k := 0; k < count && off+4 <= len(moov); k++ {
						v := int64(binary.BigEndian.Uint32(moov[off:off+4])) + delta
						binary.BigEndian.PutUint32(moov[off:off+4], uint32(v))
						off += 4
					}
				}
			case "co64":
				if j+16 <= len(moov) {
					count := int(binary.BigEndian.Uint32(moov[j+12 : j+16]))
					off := j + 16
					for k := 0; k < count && off+8 <= len(moov); k++ {
						v := int64(binary.BigEndian.Uint64(moov[off:off+8])) + delta
						binary.BigEndian.PutUint64(moov[off:off+8], uint64(v))
						off += 8
					}
				}
			}
			j += sz
		}
	}
	adjust(8, len(moov))

	if len(blob) < 4 {
		return blob
	}
	ftypSize := int(binary.BigEndian.Uint32(blob[0:4]))
	if ftypSize <= 0 || ftypSize > moovOff {
		return blob
	}

	out := make([]byte, 0, len(blob))
	out = append(out, blob[:ftypSize]...)
	out = append(out, moov...)
	out = append(out, blob[ftypSize:moovOff]...)
	out = append(out, blob[moovOff+moovSize:]...)
	return out
}

// detectMoovPosition walks top-level atoms and reports "head", "tail"
// or "unknown" for moov's position relative to the rest of the file.
func detectMoovPosition(blob []byte) string {
	type atomHeader struct {
		typ string
		off int
	}
	var atoms []atomHeader
	offset := 0
	for i := 0; i < 100000 && offset+8 <= len(blob); i++ {
		sz := int(binary.BigEndian.Uint32(blob[offset : offset+4]))
		if sz < 8 || offset+sz > len(blob) {
			break
		}
		atoms = append(atoms, atomHeader{typ: string(blob[offset+4 : offset+8]), off: offset})
		offset += sz
	}
	if len(atoms) == 0 {
		return "unknown"
	}

	moovIdx := -1
	for i, a := range atoms {
		if a.typ == "moov" {
			moovIdx = i
		}
	}
	if moovIdx == -1 {
		return "unknown"
	}
	if moovIdx <= 1 {
		return "head"
	}
	if moovIdx == len(atoms)-1 {
		return "tail"
	}
	return "head"
}
