package mesh

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spaghettifunk/remesh/engine/math"
)

// HeaderProbeSize is the fixed byte range fetched for a header request.
// Assumption: headers fit in this space.
const HeaderProbeSize = 4096

// MaxSupportedVersion gates the asset format. The three least significant
// digits are the minor version; a header reporting anything above this is
// unreadable by us and must be treated as unavailable, not retried.
const MaxSupportedVersion = 999

// legacyHeaderTag prefixes assets written by old serializers; it is followed
// by a newline before the binary payload.
const legacyHeaderTag = "<? MESH/Binary ?>"

// BlockRef locates one block inside a mesh asset. Offset is relative to the
// end of the header's own serialization, not to the start of the asset.
type BlockRef struct {
	Offset int32 `mapstructure:"offset"`
	Size   int32 `mapstructure:"size"`
}

func (b BlockRef) Valid() bool {
	return b.Offset >= 0 && b.Size > 0
}

// Header describes where every block of a mesh asset lives.
type Header struct {
	Version       int32    `mapstructure:"version"`
	LowestLOD     BlockRef `mapstructure:"lowest_lod"`
	LowLOD        BlockRef `mapstructure:"low_lod"`
	MediumLOD     BlockRef `mapstructure:"medium_lod"`
	HighLOD       BlockRef `mapstructure:"high_lod"`
	Skin          BlockRef `mapstructure:"skin"`
	PhysicsConvex BlockRef `mapstructure:"physics_convex"`
	PhysicsMesh   BlockRef `mapstructure:"physics_mesh"`

	// HeaderSize is the number of bytes the header serialization consumed,
	// including any legacy tag. All block offsets are relative to it.
	HeaderSize int32 `mapstructure:"-"`
	// NotFound marks the asset permanently unavailable for this process:
	// empty header response, unparseable data, or unsupported version.
	NotFound bool `mapstructure:"-"`
}

// DecodeHeader parses header bytes, skipping the legacy tag when present. A
// zero-length input yields a NotFound header (and no error): the asset does
// not exist and must not be refetched.
func DecodeHeader(data []byte) (*Header, error) {
	if len(data) == 0 {
		return &Header{NotFound: true}, nil
	}

	tagBytes := 0
	if strings.HasPrefix(string(data[:min(len(data), len(legacyHeaderTag))]), legacyHeaderTag) {
		tagBytes = len(legacyHeaderTag) + 1
		if tagBytes >= len(data) {
			return nil, fmt.Errorf("header: legacy tag with no payload")
		}
		data = data[tagBytes:]
	}

	raw, consumed, err := DecodeMap(data)
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}

	h := &Header{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           h,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	h.HeaderSize = int32(tagBytes + consumed)
	return h, nil
}

// EncodeHeader is the inverse of DecodeHeader, used when assembling upload
// containers and by tests.
func EncodeHeader(h *Header) ([]byte, error) {
	raw := map[string]interface{}{
		"version": int64(h.Version),
	}
	blocks := map[string]BlockRef{
		"lowest_lod":     h.LowestLOD,
		"low_lod":        h.LowLOD,
		"medium_lod":     h.MediumLOD,
		"high_lod":       h.HighLOD,
		"skin":           h.Skin,
		"physics_convex": h.PhysicsConvex,
		"physics_mesh":   h.PhysicsMesh,
	}
	for name, ref := range blocks {
		if ref.Size <= 0 {
			continue
		}
		raw[name] = map[string]interface{}{
			"offset": int64(ref.Offset),
			"size":   int64(ref.Size),
		}
	}
	return EncodeValue(raw)
}

// Block returns the reference for one LOD level.
func (h *Header) Block(lod LOD) BlockRef {
	switch lod {
	case LODLowest:
		return h.LowestLOD
	case LODLow:
		return h.LowLOD
	case LODMedium:
		return h.MediumLOD
	case LODHigh:
		return h.HighLOD
	default:
		return BlockRef{}
	}
}

// MaxExtent is the byte length a cache file needs to hold every block the
// header names, including the header itself.
func (h *Header) MaxExtent() int64 {
	extent := int64(h.HeaderSize)
	for _, ref := range []BlockRef{
		h.LowestLOD, h.LowLOD, h.MediumLOD, h.HighLOD,
		h.Skin, h.PhysicsConvex, h.PhysicsMesh,
	} {
		if !ref.Valid() {
			continue
		}
		end := int64(h.HeaderSize) + int64(ref.Offset) + int64(ref.Size)
		if end > extent {
			extent = end
		}
	}
	return extent
}

// NearestAvailableLOD picks the LOD to load for a requested level: the level
// itself if present, else the nearest lower, else the nearest higher. ok is
// false when the header carries no usable level at all; the header is never
// mutated here, so shared copies stay safe to read from any goroutine. Pure
// bookkeeping, no I/O.
func NearestAvailableLOD(h *Header, lod LOD) (LOD, bool) {
	if lod < LODLowest {
		lod = LODLowest
	}
	if lod > LODHigh {
		lod = LODHigh
	}
	if h == nil || h.NotFound || h.Version > MaxSupportedVersion {
		return lod, false
	}
	if h.Block(lod).Size > 0 {
		return lod, true
	}
	for i := lod - 1; i >= LODLowest; i-- {
		if h.Block(i).Size > 0 {
			return i, true
		}
	}
	for i := lod + 1; i <= LODHigh; i++ {
		if h.Block(i).Size > 0 {
			return i, true
		}
	}
	return lod, false
}

// CostParams carries the streaming-cost estimation constants from config.
type CostParams struct {
	BytesPerTriangle float32
	MetadataDiscount float32
	MinimumByteSize  float32
	TriangleBudget   float32
}

// StreamingCost estimates the render cost of streaming this mesh at the
// given world radius: a triangle-count estimate per LOD derived from block
// sizes, weighted by the screen area each LOD covers.
func StreamingCost(h *Header, radius float32, p CostParams) float32 {
	const maxDistance = 512.0
	const maxArea = 102932.0
	const minArea = 1.0
	const pi = 3.14159265

	bytesHigh := float32(h.HighLOD.Size)
	bytesMid := float32(h.MediumLOD.Size)
	bytesLow := float32(h.LowLOD.Size)
	bytesLowest := float32(h.LowestLOD.Size)

	if bytesHigh == 0 {
		return 0
	}
	if bytesMid == 0 {
		bytesMid = bytesHigh
	}
	if bytesLow == 0 {
		bytesLow = bytesMid
	}
	if bytesLowest == 0 {
		bytesLowest = bytesLow
	}

	triangles := func(bytes float32) float32 {
		return math.Max(bytes-p.MetadataDiscount, p.MinimumByteSize) / p.BytesPerTriangle
	}

	dLowest := math.Min(radius/0.03, maxDistance)
	dLow := math.Min(radius/0.06, maxDistance)
	dMid := math.Min(radius/0.24, maxDistance)

	highArea := math.Min(pi*dMid*dMid, maxArea)
	midArea := math.Min(pi*dLow*dLow, maxArea)
	lowArea := math.Min(pi*dLowest*dLowest, maxArea)
	lowestArea := maxArea - lowArea
	lowArea -= midArea
	midArea -= highArea

	highArea = math.Clamp(highArea, minArea, maxArea)
	midArea = math.Clamp(midArea, minArea, maxArea)
	lowArea = math.Clamp(lowArea, minArea, maxArea)
	lowestArea = math.Clamp(lowestArea, minArea, maxArea)

	total := highArea + midArea + lowArea + lowestArea
	weighted := triangles(bytesHigh)*(highArea/total) +
		triangles(bytesMid)*(midArea/total) +
		triangles(bytesLow)*(lowArea/total) +
		triangles(bytesLowest)*(lowestArea/total)

	return weighted / p.TriangleBudget * 15000.0
}
