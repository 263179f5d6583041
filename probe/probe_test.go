package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegIndex(t *testing.T) {
	assert.Equal(t, 0, RegIndex("r0"))
	assert.Equal(t, RegSP, RegIndex("sp"))
	assert.Equal(t, RegLR, RegIndex("lr"))
	assert.Equal(t, RegPC, RegIndex("pc"))
	assert.Equal(t, RegXPSR, RegIndex("xpsr"))
	assert.Equal(t, -1, RegIndex("cpsr"))
}

func TestVendorName(t *testing.T) {
	assert.Equal(t, "ST-Link", VendorName(0x0483))
	assert.Equal(t, "J-Link", VendorName(0x1366))
	assert.Equal(t, "CMSIS-DAP", VendorName(0x0D28))
	assert.Equal(t, "unknown", VendorName(0xFFFF))
}

func TestInfoFromSelector(t *testing.T) {
	info := InfoFromSelector("0483:3748")
	assert.Equal(t, "ST-Link", info.Vendor)
	assert.Equal(t, "0483:3748", info.Product)

	info = InfoFromSelector("my-openocd")
	assert.Empty(t, info.Vendor)
	assert.Equal(t, "my-openocd", info.Product)
}
