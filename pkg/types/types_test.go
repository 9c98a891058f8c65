package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolUsedAndCapacityBytes(t *testing.T) {
	p := Pool{ClusterSizeBytes: 4 * 1024 * 1024, TotalClusters: 10, FreeClusters: 3}
	assert.Equal(t, uint64(7*4*1024*1024), p.UsedBytes())
	assert.Equal(t, uint64(10*4*1024*1024), p.CapacityBytes())
}

func TestRebuildStateTerminal(t *testing.T) {
	terminal := []RebuildState{RebuildCompleted, RebuildStopped, RebuildFailed}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s must be terminal", s)
	}

	nonTerminal := []RebuildState{RebuildInit, RebuildRunning, RebuildPaused}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), "%s must not be terminal", s)
	}
}

func TestDefaultNexusNvmeParams(t *testing.T) {
	p := DefaultNexusNvmeParams()
	assert.Equal(t, uint16(1), p.MinCntlID)
	assert.Equal(t, uint16(0xffef), p.MaxCntlID)
}
