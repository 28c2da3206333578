// Package extracttest builds small binary payloads for extraction tests.
package extracttest

import (
	"bytes"
	"encoding/binary"
	"math"
)

// CaptureTime is the DateTime tag written by JPEGWithGPS.
const CaptureTime = "2024:05:01 12:30:00"

// Camera is the Make/Model written by JPEGWithGPS.
const (
	CameraMake  = "Fujifilm"
	CameraModel = "X100V"
)

const (
	typeASCII    = 2
	typeLong     = 4
	typeRational = 5
)

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func ascii(s string) ifdEntry {
	b := append([]byte(s), 0)
	return ifdEntry{typ: typeASCII, count: uint32(len(b)), data: b}
}

func rationals(pairs ...uint32) ifdEntry {
	b := make([]byte, 4*len(pairs))
	for i, v := range pairs {
		binary.LittleEndian.PutUint32(b[4*i:], v)
	}
	return ifdEntry{typ: typeRational, count: uint32(len(pairs) / 2), data: b}
}

func long(v uint32) ifdEntry {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return ifdEntry{typ: typeLong, count: 1, data: b}
}

func tagged(tag uint16, e ifdEntry) ifdEntry {
	e.tag = tag
	return e
}

func ifdSize(entries []ifdEntry) int {
	n := 2 + 12*len(entries) + 4
	for _, e := range entries {
		if len(e.data) > 4 {
			n += len(e.data)
		}
	}
	return n
}

// writeIFD appends an IFD at offset base, with overflow data following it.
func writeIFD(buf *bytes.Buffer, base int, entries []ifdEntry) {
	le := binary.LittleEndian
	dataOff := base + 2 + 12*len(entries) + 4
	var data bytes.Buffer

	_ = binary.Write(buf, le, uint16(len(entries)))
	for _, e := range entries {
		_ = binary.Write(buf, le, e.tag)
		_ = binary.Write(buf, le, e.typ)
		_ = binary.Write(buf, le, e.count)
		if len(e.data) <= 4 {
			val := make([]byte, 4)
			copy(val, e.data)
			buf.Write(val)
			continue
		}
		_ = binary.Write(buf, le, uint32(dataOff+data.Len()))
		data.Write(e.data)
	}
	_ = binary.Write(buf, le, uint32(0))
	buf.Write(data.Bytes())
}

func dms(v float64) []uint32 {
	v = math.Abs(v)
	deg := math.Floor(v)
	minutes := math.Floor((v - deg) * 60)
	sec := (v - deg - minutes/60) * 3600
	return []uint32{uint32(deg), 1, uint32(minutes), 1, uint32(math.Round(sec * 10000)), 10000}
}

// JPEGWithGPS returns a minimal JPEG whose EXIF carries the given
// coordinates, an altitude in meters, CaptureTime and the camera tags.
func JPEGWithGPS(lat, lon, alt float64) []byte {
	latRef, lonRef := "N", "E"
	if lat < 0 {
		latRef = "S"
	}
	if lon < 0 {
		lonRef = "W"
	}
	altRef := uint32(0)
	if alt < 0 {
		altRef = 1
	}

	gps := []ifdEntry{
		tagged(0x0001, ascii(latRef)),
		tagged(0x0002, rationals(dms(lat)...)),
		tagged(0x0003, ascii(lonRef)),
		tagged(0x0004, rationals(dms(lon)...)),
		tagged(0x0005, ifdEntry{typ: 1, count: 1, data: []byte{byte(altRef)}}),
		tagged(0x0006, rationals(uint32(math.Round(math.Abs(alt)*100)), 100)),
	}
	ifd0 := []ifdEntry{
		tagged(0x010F, ascii(CameraMake)),
		tagged(0x0110, ascii(CameraModel)),
		tagged(0x0132, ascii(CaptureTime)),
		tagged(0x8825, long(0)),
	}
	gpsOffset := 8 + ifdSize(ifd0)
	ifd0[3] = tagged(0x8825, long(uint32(gpsOffset)))

	var tiff bytes.Buffer
	tiff.WriteString("II")
	_ = binary.Write(&tiff, binary.LittleEndian, uint16(42))
	_ = binary.Write(&tiff, binary.LittleEndian, uint32(8))
	writeIFD(&tiff, 8, ifd0)
	writeIFD(&tiff, gpsOffset, gps)

	return jpegWithAPP1(append([]byte("Exif\x00\x00"), tiff.Bytes()...))
}

// JPEG returns a minimal JPEG without EXIF.
func JPEG() []byte {
	return []byte{0xFF, 0xD8, 0xFF, 0xDB, 0x00, 0x04, 0x00, 0x00, 0xFF, 0xD9}
}

func jpegWithAPP1(payload []byte) []byte {
	var out bytes.Buffer
	out.Write([]byte{0xFF, 0xD8, 0xFF, 0xE1})
	_ = binary.Write(&out, binary.BigEndian, uint16(len(payload)+2))
	out.Write(payload)
	out.Write([]byte{0xFF, 0xD9})
	return out.Bytes()
}

// PNG returns a PNG signature followed by an empty IHDR chunk.
func PNG() []byte {
	return append([]byte("\x89PNG\r\n\x1a\n"), []byte("\x00\x00\x00\x0dIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00\x90wS\xde")...)
}

// MIDI returns a Standard MIDI File header with the given track count.
func MIDI(tracks uint16) []byte {
	var out bytes.Buffer
	out.WriteString("MThd")
	_ = binary.Write(&out, binary.BigEndian, uint32(6))
	_ = binary.Write(&out, binary.BigEndian, uint16(1))
	_ = binary.Write(&out, binary.BigEndian, tracks)
	_ = binary.Write(&out, binary.BigEndian, uint16(480))
	return out.Bytes()
}

// PDF returns a header-only document; callers pair it with a stub inspector.
func PDF() []byte {
	return []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")
}
