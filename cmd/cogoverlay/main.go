// Command cogoverlay describes, renders and serves Cloud Optimized GeoTIFF
// overlays.
package main

func main() {
	Execute()
}
