package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/orbiteos/joule/internal/storage/types"
)

// Point encoding format (binary, little-endian):
// - TenantID length (2 bytes) + TenantID string
// - SeriesKey length (2 bytes) + SeriesKey string
// - TimestampMs (8 bytes)
// - Value (8 bytes, float64)
// - Unit length (2 bytes) + Unit string
// - Quality (1 byte)
// - IngestedMs (8 bytes)

// encodePoints encodes a slice of points into a binary format.
func encodePoints(points []types.Point) ([]byte, error) {
	if len(points) == 0 {
		return nil, nil
	}

	// Estimate size: ~80 bytes per point average
	buf := make([]byte, 0, len(points)*80)

	// Write point count
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(points)))

	for _, p := range points {
		buf = appendString(buf, p.TenantID)
		buf = appendString(buf, p.SeriesKey)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(p.TimestampMs))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Value))
		buf = appendString(buf, p.Unit)
		buf = append(buf, byte(p.Quality))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(p.IngestedMs))
	}

	return buf, nil
}

// decodePoints decodes a binary format into a slice of points.
func decodePoints(data []byte) ([]types.Point, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for point count")
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	if count == 0 {
		return nil, nil
	}

	points := make([]types.Point, count)
	offset := 4

	for i := 0; i < count; i++ {
		var p types.Point
		var err error

		p.TenantID, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("point %d tenant: %w", i, err)
		}

		p.SeriesKey, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("point %d series key: %w", i, err)
		}

		if offset+8 > len(data) {
			return nil, fmt.Errorf("point %d: data too short for timestamp", i)
		}
		p.TimestampMs = int64(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8

		if offset+8 > len(data) {
			return nil, fmt.Errorf("point %d: data too short for value", i)
		}
		p.Value = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8

		p.Unit, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("point %d unit: %w", i, err)
		}

		if offset+1 > len(data) {
			return nil, fmt.Errorf("point %d: data too short for quality", i)
		}
		p.Quality = types.Quality(data[offset])
		offset++

		if offset+8 > len(data) {
			return nil, fmt.Errorf("point %d: data too short for ingested_ms", i)
		}
		p.IngestedMs = int64(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8

		points[i] = p
	}

	return points, nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}
