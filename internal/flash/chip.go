package flash

import "fmt"

const chipDetectMagicReg = 0x40001000

type chip struct {
	family string
	// macRegs are the eFuse words holding the low and high halves of the
	// factory MAC.
	macRegs [2]uint32
	// beginExtraWord marks ROMs that expect an encryption flag after the
	// FLASH_BEGIN parameters.
	beginExtraWord bool
}

var chipsByMagic = map[uint32]chip{
	0x00f01d83: {family: "ESP32", macRegs: [2]uint32{0x3ff5a004, 0x3ff5a008}},
	0x000007c6: {family: "ESP32-S2", macRegs: [2]uint32{0x3f41a044, 0x3f41a048}, beginExtraWord: true},
	0x00000009: {family: "ESP32-S3", macRegs: [2]uint32{0x60007044, 0x60007048}, beginExtraWord: true},
	0x6921506f: {family: "ESP32-C3", macRegs: [2]uint32{0x60008844, 0x60008848}, beginExtraWord: true},
	0x1b31506f: {family: "ESP32-C3", macRegs: [2]uint32{0x60008844, 0x60008848}, beginExtraWord: true},
}

func chipForMagic(magic uint32) (chip, error) {
	c, ok := chipsByMagic[magic]
	if !ok {
		return chip{}, fmt.Errorf("unsupported chip (magic 0x%08x)", magic)
	}
	return c, nil
}

func formatMAC(lo, hi uint32) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		byte(hi>>8), byte(hi), byte(lo>>24), byte(lo>>16), byte(lo>>8), byte(lo))
}
