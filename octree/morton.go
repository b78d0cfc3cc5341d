package octree

import "go.viam.com/voxelvault/pointcloud"

// MaxDepth is the deepest supported leaf level; Morton keys interleave 21 bits per axis.
const MaxDepth = 21

const mortonAxisMask = 1<<MaxDepth - 1

func spreadBits(v uint64) uint64 {
	v &= mortonAxisMask
	v = (v | v<<32) & 0x1f00000000ffff
	v = (v | v<<16) & 0x1f0000ff0000ff
	v = (v | v<<8) & 0x100f00f00f00f00f
	v = (v | v<<4) & 0x10c30c30c30c30c3
	v = (v | v<<2) & 0x1249249249249249
	return v
}

func compactBits(v uint64) uint64 {
	v &= 0x1249249249249249
	v = (v ^ v>>2) & 0x10c30c30c30c30c3
	v = (v ^ v>>4) & 0x100f00f00f00f00f
	v = (v ^ v>>8) & 0x1f0000ff0000ff
	v = (v ^ v>>16) & 0x1f00000000ffff
	v = (v ^ v>>32) & mortonAxisMask
	return v
}

// MortonKey interleaves non-negative cell coordinates, X in bit 0. The low three bits of a key are
// therefore the child slot of the cell within its parent, and key>>3 is the parent's key.
func MortonKey(c pointcloud.VoxelCoords) uint64 {
	return spreadBits(uint64(c.I)) | spreadBits(uint64(c.J))<<1 | spreadBits(uint64(c.K))<<2
}

// MortonCoords reverses MortonKey.
func MortonCoords(key uint64) pointcloud.VoxelCoords {
	return pointcloud.VoxelCoords{
		I: int64(compactBits(key)),
		J: int64(compactBits(key >> 1)),
		K: int64(compactBits(key >> 2)),
	}
}
