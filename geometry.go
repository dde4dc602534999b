package cogoverlay

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
)

// Corners returns the four corners of the image in world coordinates,
// clockwise from the top-left pixel corner. Unlike Bounds this keeps the
// shape of rotated rasters.
func (c *COG) Corners() [4]orb.Point {
	w, h := float64(c.width), float64(c.height)
	return [4]orb.Point{
		c.PixelToWorld(0, 0),
		c.PixelToWorld(w, 0),
		c.PixelToWorld(w, h),
		c.PixelToWorld(0, h),
	}
}

// Footprint returns the outline of the image in longitude/latitude. Only
// EPSG:4326 and EPSG:3857 rasters can be placed on the globe; for other
// CRSs ok is false.
func (c *COG) Footprint() (poly orb.Polygon, ok bool) {
	corners := c.Corners()
	ring := orb.Ring{corners[0], corners[1], corners[2], corners[3], corners[0]}

	switch c.geo.epsg {
	case 4326:
	case 3857, 900913:
		for i, p := range ring {
			ring[i] = project.Mercator.ToWGS84(p)
		}
	default:
		return nil, false
	}
	return orb.Polygon{ring}, true
}

// Feature describes the raster as a GeoJSON feature whose geometry is its
// footprint. Rasters in other CRSs get a null geometry and keep their native
// bounds in the "bounds" property.
func (c *COG) Feature() *geojson.Feature {
	var f *geojson.Feature
	if poly, ok := c.Footprint(); ok {
		f = geojson.NewFeature(poly)
		f.BBox = geojson.NewBBox(poly.Bound())
	} else {
		f = geojson.NewFeature(nil)
	}

	b := c.Bounds()
	f.Properties["width"] = c.width
	f.Properties["height"] = c.height
	f.Properties["bands"] = c.spp
	f.Properties["dataType"] = c.sampleType.String()
	f.Properties["crs"] = c.CRS()
	f.Properties["resolution"] = c.Resolution()
	f.Properties["bounds"] = []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
	if v, ok := c.NoData(); ok {
		f.Properties["nodata"] = v
	}
	return f
}
