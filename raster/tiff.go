package raster

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// head carries what the TIFF file header declares before the first IFD.
type head struct {
	byteOrder binary.ByteOrder
	isBigTIFF bool
	ifdOffset uint64
}

// ifdEntry is one directory entry: a tag, its field type, element count and
// either an inline value or an offset to it.
type ifdEntry struct {
	tag         Tag
	ftype       fieldType
	count       uint64
	valueOffset uint64
	valueBytes  []byte
}

// tagValue is the decoded payload of one tag, typed per its field type.
type tagValue struct {
	ftype   fieldType
	ascii   string
	bytes   []uint8
	shorts  []uint16
	longs   []uint32
	floats  []float32
	doubles []float64
	uint64s []uint64
}

type tagSet map[Tag]tagValue

func readHead(r io.Reader) (head, error) {
	var h head

	var order uint16
	if err := binary.Read(r, binary.BigEndian, &order); err != nil {
		return h, err
	}
	switch order {
	case littleEndian:
		h.byteOrder = binary.LittleEndian
	case bigEndian:
		h.byteOrder = binary.BigEndian
	default:
		return h, errors.New("invalid byte order")
	}

	var identifier uint16
	if err := binary.Read(r, h.byteOrder, &identifier); err != nil {
		return h, err
	}

	switch identifier {
	case tiffIdentifier:
		var offset32 uint32
		if err := binary.Read(r, h.byteOrder, &offset32); err != nil {
			return h, err
		}
		h.ifdOffset = uint64(offset32)
	case bigTiffIdentifier:
		h.isBigTIFF = true

		var bytesize, reserved uint16
		if err := binary.Read(r, h.byteOrder, &bytesize); err != nil {
			return h, err
		}
		if bytesize != bigTiffBytesize {
			return h, errors.New("invalid BigTIFF bytesize")
		}
		if err := binary.Read(r, h.byteOrder, &reserved); err != nil {
			return h, err
		}
		if err := binary.Read(r, h.byteOrder, &h.ifdOffset); err != nil {
			return h, err
		}
	default:
		return h, fmt.Errorf("invalid tiff identifier: %d", identifier)
	}
	return h, nil
}

// readTagSet parses the first IFD of the file. For a COG that directory
// describes the full-resolution image; overview IFDs are never visited.
func readTagSet(r io.ReadSeeker) (tagSet, head, error) {
	h, err := readHead(r)
	if err != nil {
		return nil, h, err
	}
	if h.ifdOffset == 0 {
		return nil, h, errors.New("file contains no IFDs")
	}
	if _, err := r.Seek(int64(h.ifdOffset), io.SeekStart); err != nil {
		return nil, h, err
	}

	var numEntries uint64
	if h.isBigTIFF {
		if err := binary.Read(r, h.byteOrder, &numEntries); err != nil {
			return nil, h, err
		}
	} else {
		var numEntries16 uint16
		if err := binary.Read(r, h.byteOrder, &numEntries16); err != nil {
			return nil, h, err
		}
		numEntries = uint64(numEntries16)
	}

	entryLen := 12
	inlineSize := uint64(4)
	if h.isBigTIFF {
		entryLen = 20
		inlineSize = 8
	}

	block := make([]byte, entryLen*int(numEntries))
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, h, fmt.Errorf("failed to read IFD block: %w", err)
	}
	ifdReader := bytes.NewReader(block)

	tags := make(tagSet)
	for i := uint64(0); i < numEntries; i++ {
		var entry ifdEntry
		var tag, ftype uint16
		binary.Read(ifdReader, h.byteOrder, &tag)
		binary.Read(ifdReader, h.byteOrder, &ftype)
		entry.tag = Tag(tag)
		entry.ftype = fieldType(ftype)
		if entry.ftype.bytes() == 0 {
			// Unknown field type; its size cannot be computed, skip it.
			ifdReader.Seek(int64(entryLen-4), io.SeekCurrent)
			continue
		}

		offsetBytes := make([]byte, 8)
		if h.isBigTIFF {
			binary.Read(ifdReader, h.byteOrder, &entry.count)
			ifdReader.Read(offsetBytes)
			entry.valueOffset = h.byteOrder.Uint64(offsetBytes)
		} else {
			var count32, offset32 uint32
			binary.Read(ifdReader, h.byteOrder, &count32)
			binary.Read(ifdReader, h.byteOrder, &offset32)
			entry.count = uint64(count32)
			entry.valueOffset = uint64(offset32)
			h.byteOrder.PutUint32(offsetBytes, offset32)
		}

		if total := uint64(entry.ftype.bytes()) * entry.count; total <= inlineSize {
			entry.valueBytes = offsetBytes[:total]
		}

		v, err := entry.decode(r, h.byteOrder)
		if err != nil {
			return nil, h, fmt.Errorf("failed to decode tag %s: %w", entry.tag, err)
		}
		if v != nil {
			tags[entry.tag] = *v
		}
	}

	return tags, h, nil
}

// decode reads the entry's payload, either from its inline bytes or from the
// offset it points at.
func (e *ifdEntry) decode(r io.ReadSeeker, byteOrder binary.ByteOrder) (*tagValue, error) {
	v := tagValue{ftype: e.ftype}

	var reader io.Reader
	if len(e.valueBytes) > 0 {
		reader = bytes.NewReader(e.valueBytes)
	} else {
		readerAt, ok := r.(io.ReaderAt)
		if !ok {
			return nil, errors.New("reader does not implement io.ReaderAt")
		}
		reader = io.NewSectionReader(readerAt, int64(e.valueOffset), int64(e.ftype.bytes())*int64(e.count))
	}

	switch e.ftype {
	case typeBYTE, typeUNDEFINED:
		v.bytes = make([]uint8, e.count)
		if err := binary.Read(reader, byteOrder, &v.bytes); err != nil {
			return nil, err
		}
	case typeASCII:
		p := make([]uint8, e.count)
		if err := binary.Read(reader, byteOrder, p); err != nil {
			return nil, err
		}
		v.ascii = string(bytes.Trim(p, "\x00"))
	case typeSHORT:
		v.shorts = make([]uint16, e.count)
		if err := binary.Read(reader, byteOrder, &v.shorts); err != nil {
			return nil, err
		}
	case typeLONG:
		v.longs = make([]uint32, e.count)
		if err := binary.Read(reader, byteOrder, &v.longs); err != nil {
			return nil, err
		}
	case typeFLOAT:
		v.floats = make([]float32, e.count)
		if err := binary.Read(reader, byteOrder, &v.floats); err != nil {
			return nil, err
		}
	case typeDOUBLE:
		v.doubles = make([]float64, e.count)
		if err := binary.Read(reader, byteOrder, &v.doubles); err != nil {
			return nil, err
		}
	case typeLONG8, typeIFD8:
		v.uint64s = make([]uint64, e.count)
		if err := binary.Read(reader, byteOrder, &v.uint64s); err != nil {
			return nil, err
		}
	default:
		// Rational and signed types never carry anything the probe needs.
		return nil, nil
	}
	return &v, nil
}

func (ts tagSet) uint(tag Tag) (uint64, bool) {
	v, ok := ts[tag]
	if !ok {
		return 0, false
	}
	switch {
	case v.ftype == typeSHORT && len(v.shorts) > 0:
		return uint64(v.shorts[0]), true
	case v.ftype == typeLONG && len(v.longs) > 0:
		return uint64(v.longs[0]), true
	case (v.ftype == typeLONG8 || v.ftype == typeIFD8) && len(v.uint64s) > 0:
		return v.uint64s[0], true
	}
	return 0, false
}

func (ts tagSet) doubles(tag Tag) ([]float64, bool) {
	v, ok := ts[tag]
	if !ok || v.ftype != typeDOUBLE {
		return nil, false
	}
	return v.doubles, true
}

func (ts tagSet) shorts(tag Tag) ([]uint16, bool) {
	v, ok := ts[tag]
	if !ok || v.ftype != typeSHORT {
		return nil, false
	}
	return v.shorts, true
}

func (ts tagSet) ascii(tag Tag) (string, bool) {
	v, ok := ts[tag]
	if !ok || v.ftype != typeASCII {
		return "", false
	}
	return v.ascii, true
}

// number returns the first element of a numeric tag as a float64.
func (ts tagSet) number(tag Tag) (float64, bool) {
	v, ok := ts[tag]
	if !ok {
		return 0, false
	}
	switch {
	case v.ftype == typeSHORT && len(v.shorts) > 0:
		return float64(v.shorts[0]), true
	case v.ftype == typeLONG && len(v.longs) > 0:
		return float64(v.longs[0]), true
	case v.ftype == typeFLOAT && len(v.floats) > 0:
		return float64(v.floats[0]), true
	case v.ftype == typeDOUBLE && len(v.doubles) > 0:
		return v.doubles[0], true
	}
	return 0, false
}
