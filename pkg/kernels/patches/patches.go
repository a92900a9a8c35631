// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package patches rearranges feature maps into region-contiguous blocks, and back.
//
// A map of shape [depth, channels, height, width] is split into regions, each region holding
// CStep×HStep×WStep positions. ScatterInto lays it out as [regions, depth, regionSize], which is the
// [K, N] operand layout (per region) of the ggemm package. GatherFrom is its exact inverse.
//
// There are two ways of assigning positions to regions:
//
//   - Shared (the default): each region is a contiguous tile of the map, and all positions in the tile
//     share the same region parameters. Absolute coordinate is group*Step + i.
//   - Unshared: each region holds positions interleaved with a stride of the number of groups, so
//     neighboring positions belong to different regions. Absolute coordinate is group + i*Groups.
//
// Region slots whose absolute coordinate falls outside the map (when Groups*Step overruns the extent) are
// never read nor written.
package patches

import (
	"fmt"

	"github.com/pkg/errors"
)

// Geometry describes how a map is split into regions.
type Geometry struct {
	// Width, Height, Channels are the true extents of the map.
	Width, Height, Channels int

	// WGroups, HGroups, CGroups are the number of regions along each axis.
	WGroups, HGroups, CGroups int

	// WStep, HStep, CStep are the extents of each region along each axis.
	WStep, HStep, CStep int

	// Unshared selects interleaved (instead of tiled) regions.
	Unshared bool
}

// NewShared returns the geometry of tiles of the given steps. A step <= 0 means the whole axis.
func NewShared(width, height, channels, wStep, hStep, cStep int) Geometry {
	g := Geometry{Width: width, Height: height, Channels: channels}
	g.WGroups, g.WStep = groupsForStep(width, wStep)
	g.HGroups, g.HStep = groupsForStep(height, hStep)
	g.CGroups, g.CStep = groupsForStep(channels, cStep)
	return g
}

// NewUnshared returns the geometry of the given number of interleaved regions per axis.
// A number of groups <= 0 means 1.
func NewUnshared(width, height, channels, wGroups, hGroups, cGroups int) Geometry {
	g := Geometry{Width: width, Height: height, Channels: channels, Unshared: true}
	g.WGroups, g.WStep = stepForGroups(width, wGroups)
	g.HGroups, g.HStep = stepForGroups(height, hGroups)
	g.CGroups, g.CStep = stepForGroups(channels, cGroups)
	return g
}

func groupsForStep(extent, step int) (groups, adjustedStep int) {
	if step <= 0 || step > extent {
		return 1, extent
	}
	return (extent + step - 1) / step, step
}

func stepForGroups(extent, groups int) (adjustedGroups, step int) {
	groups = min(max(groups, 1), extent)
	return groups, (extent + groups - 1) / groups
}

// NumRegions returns the total number of regions.
func (g Geometry) NumRegions() int {
	return g.WGroups * g.HGroups * g.CGroups
}

// RegionSize returns the number of positions in each region.
func (g Geometry) RegionSize() int {
	return g.WStep * g.HStep * g.CStep
}

// MapSize returns the number of positions in the map.
func (g Geometry) MapSize() int {
	return g.Width * g.Height * g.Channels
}

// String implements fmt.Stringer.
func (g Geometry) String() string {
	mode := "shared"
	if g.Unshared {
		mode = "unshared"
	}
	return fmt.Sprintf("%s regions %dx%dx%d of %dx%dx%d over %dx%dx%d (CxHxW)", mode,
		g.CGroups, g.HGroups, g.WGroups, g.CStep, g.HStep, g.WStep, g.Channels, g.Height, g.Width)
}

// Validate that every position of the map belongs to some region.
func (g Geometry) Validate() error {
	for _, axis := range []struct {
		name                 string
		extent, groups, step int
	}{
		{"width", g.Width, g.WGroups, g.WStep},
		{"height", g.Height, g.HGroups, g.HStep},
		{"channels", g.Channels, g.CGroups, g.CStep},
	} {
		if axis.extent <= 0 || axis.groups <= 0 || axis.step <= 0 {
			return errors.Errorf("invalid region geometry for %s axis: extent=%d, groups=%d, step=%d",
				axis.name, axis.extent, axis.groups, axis.step)
		}
		if axis.groups*axis.step < axis.extent {
			return errors.Errorf("regions don't cover the %s axis: %d groups of %d < extent %d",
				axis.name, axis.groups, axis.step, axis.extent)
		}
	}
	return nil
}

// axisWalk returns the absolute coordinate of the first position of the region group along one axis, the
// distance between consecutive positions and how many of the region's step positions are inside the extent.
func axisWalk(unshared bool, group, groups, step, extent int) (start, stride, count int) {
	if unshared {
		start, stride = group, groups
	} else {
		start, stride = group*step, 1
	}
	if start >= extent {
		return start, stride, 0
	}
	count = min(step, (extent-start+stride-1)/stride)
	return
}

// ScatterInto copies the depth planes of src (plane k starts at k*stride, and is laid out as
// [channels, height, width]) into dst laid out as [regions, depth, regionSize].
//
// dst must have length NumRegions()*depth*RegionSize(). Slots for positions outside the map are left untouched.
func ScatterInto[T any](g Geometry, depth, stride int, src, dst []T) {
	walk(g, depth, stride, src, dst, true)
}

// GatherFrom is the inverse of ScatterInto: it copies src laid out as [regions, depth, regionSize] back
// to the depth planes of dst (plane k starts at k*stride).
func GatherFrom[T any](g Geometry, depth, stride int, src, dst []T) {
	walk(g, depth, stride, dst, src, false)
}

// walk visits every in-map position of every region, and copies between the spatial layout and the regions
// layout in the direction given by toRegions.
func walk[T any](g Geometry, depth, stride int, spatial, regions []T, toRegions bool) {
	regionSize := g.RegionSize()
	regionIdx := 0
	for cg := range g.CGroups {
		c0, cStride, cCount := axisWalk(g.Unshared, cg, g.CGroups, g.CStep, g.Channels)
		for hg := range g.HGroups {
			h0, hStride, hCount := axisWalk(g.Unshared, hg, g.HGroups, g.HStep, g.Height)
			for wg := range g.WGroups {
				w0, wStride, wCount := axisWalk(g.Unshared, wg, g.WGroups, g.WStep, g.Width)
				regionBase := regionIdx * depth * regionSize
				regionIdx++
				for k := range depth {
					planeBase := k * stride
					depthBase := regionBase + k*regionSize
					for l := range cCount {
						c := c0 + l*cStride
						for j := range hCount {
							h := h0 + j*hStride
							spatialRow := planeBase + (c*g.Height+h)*g.Width + w0
							regionRow := depthBase + (l*g.HStep+j)*g.WStep
							if toRegions {
								for i := range wCount {
									regions[regionRow+i] = spatial[spatialRow+i*wStride]
								}
							} else {
								for i := range wCount {
									spatial[spatialRow+i*wStride] = regions[regionRow+i]
								}
							}
						}
					}
				}
			}
		}
	}
}
