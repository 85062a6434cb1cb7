package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrinterFits(t *testing.T) {
	p := &Printer{BuildVolumeX: 220, BuildVolumeY: 220, BuildVolumeZ: 250}

	assert.True(t, p.Fits(&Model{WidthMm: 220, DepthMm: 100, HeightMm: 250}))
	assert.False(t, p.Fits(&Model{WidthMm: 221, DepthMm: 100, HeightMm: 10}))
	assert.False(t, p.Fits(&Model{WidthMm: 10, DepthMm: 230, HeightMm: 10}))
	assert.False(t, p.Fits(&Model{WidthMm: 10, DepthMm: 10, HeightMm: 251}))
	assert.False(t, p.Fits(nil))

	var none *Printer
	assert.False(t, none.Fits(&Model{}))
}

func TestParseProtocol(t *testing.T) {
	assert.Equal(t, ProtocolMoonraker, ParseProtocol("MOONRAKER"))
	assert.Equal(t, ProtocolMQTT, ParseProtocol("MQTT"))
	assert.Equal(t, ProtocolMQTT, ParseProtocol("BAMBU_MQTT"))
	assert.Equal(t, ProtocolUnknown, ParseProtocol(""))
	assert.Equal(t, ProtocolUnknown, ParseProtocol("AUTO"))
	assert.False(t, ProtocolUnknown.Known())
}

func TestScopeIncludes(t *testing.T) {
	assert.True(t, Scope{}.Includes("u1"))
	assert.True(t, Scope{OwnerID: "u1"}.Includes("u1"))
	assert.False(t, Scope{OwnerID: "u1"}.Includes("u2"))
}

func TestStatusValidity(t *testing.T) {
	assert.True(t, PrinterUnknown.Valid())
	assert.False(t, PrinterStatus("RUNNING").Valid())
	assert.True(t, JobCancelled.Terminal())
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobStatus("QUEUED").Valid())
}
