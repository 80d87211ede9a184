package cache

import (
	"encoding/binary"
	"testing"
)

func box(boxType string, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(8+len(payload)))
	copy(out[4:8], boxType)
	copy(out[8:], payload)
	return out
}

// buildMoovTailMP4 builds a minimal synthetic MP4 with moov after mdat
// (the arrangement that prevents progressive playback), with a single
// stco entry pointing at mdat's payload.
func buildMoovTailMP4() (blob []byte, originalStcoEntry uint32) {
	ftyp := box("ftyp", []byte("isom0000"))
	mdat := box("mdat", []byte("videodata"))

	stcoPayload := make([]byte, 4+4+4) // version+flags, count, one entry
	mdatPayloadOffset := uint32(len(ftyp) + 8) // past mdat's own header
	binary.BigEndian.PutUint32(stcoPayload[4:8], 1)
	binary.BigEndian.PutUint32(stcoPayload[8:12], mdatPayloadOffset)
	stco := box("stco", stcoPayload)
	moov := box("moov", stco)

	blob = append(blob, ftyp...)
	blob = append(blob, mdat...)
	blob = append(blob, moov...)
	return blob, mdatPayloadOffset
}

func TestDetectMoovPositionTail(t *testing.T) {
	blob, _ := buildMoovTailMP4()
	if got := detectMoovPosition(blob); got != "tail" {
		t.Fatalf("detectMoovPosition() = %q, want tail", got)
	}
}

func TestRelocateMoovToFrontMovesAtomAndFixesOffsets(t *testing.T) {
	blob, originalOffset := buildMoovTailMP4()

	out := relocateMoovToFront(blob)
	if got := detectMoovPosition(out); got != "head" {
		t.Fatalf("relocated file: moov position = %q, want head", got)
	}

	// Locate the relocated stco entry and check it was shifted by the
	// size of the moov atom that moved ahead of mdat.
	ftypSize := int(binary.BigEndian.Uint32(out[0:4]))
	moovOff := ftypSize
	moovSizeOut := int(binary.BigEndian.Uint32(out[moovOff : moovOff+4]))
	stcoOff := moovOff + 8 + 8 // moov header + stco header
	entryOff := stcoOff + 8    // version/flags + count
	newEntry := binary.BigEndian.Uint32(out[entryOff : entryOff+4])

	wantEntry := originalOffset + uint32(moovSizeOut)
	if newEntry != wantEntry {
		t.Fatalf("relocated stco entry = %d, want %d", newEntry, wantEntry)
	}
}

func TestRelocateMoovToFrontNoopWhenAlreadyHead(t *testing.T) {
	ftyp := box("ftyp", []byte("isom0000"))
	moov := box("moov", box("stco", make([]byte, 12)))
	mdat := box("mdat", []byte("videodata"))

	blob := append(append(append([]byte{}, ftyp...), moov...), mdat...)
	out := relocateMoovToFront(blob)

	if len(out) != len(blob) {
		t.Fatalf("expected no change in length, got %d want %d", len(out), len(blob))
	}
}
