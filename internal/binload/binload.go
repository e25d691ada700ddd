// Package binload implements the raw-binary image loader: places a byte
// image at a base address and marks it read-only FLASH. Unlike
// memsim.CreateRegionsFromFlashImage, it never infers a RAM region from
// the image contents — callers using --bin get no automatic RAM.
package binload

import "github.com/adamgreen/crashdebug/internal/memsim"

// Load creates a region at base, loads data verbatim, and marks it
// read-only.
func Load(sim *memsim.Simulator, base uint32, data []byte) error {
	if err := sim.CreateRegion(base, uint32(len(data))); err != nil {
		return err
	}
	if err := sim.LoadFromFlashImage(base, data); err != nil {
		return err
	}
	return sim.MakeReadOnly(base)
}
