// Command mosaic composites Sentinel-2 scenes into cloud-free mosaics.
package main

func main() {
	Execute()
}
