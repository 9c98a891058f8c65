package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultsMatchDocumentedValues(t *testing.T) {
	d := Defaults()
	assert.Equal(t, 65535, d.BdevIOPoolSize)
	assert.Equal(t, 512, d.BdevIOCacheSize)
	assert.Equal(t, 32, d.NvmfTCPMaxQueueDepth)
	assert.Equal(t, 32, d.NvmfTCPMaxQpairsPerCtl)
	assert.Equal(t, 2048, d.NvmfTCPNumSharedBuf)
	assert.True(t, d.NvmfZcopy)
	assert.Equal(t, 5000000, d.NvmeTimeoutUs)
	assert.Equal(t, 1000, d.NvmeKatoMs)
	assert.Equal(t, 2*1024*1024, d.SockRecvBufSize)
	assert.Equal(t, 8192, d.IobufSmallPoolCount)
	assert.False(t, d.NexusDontReadLabels)
}

func TestLoadAppliesIntOverride(t *testing.T) {
	t.Setenv("BDEV_IO_POOL_SIZE", "1234")
	opts := Load()
	assert.Equal(t, 1234, opts.BdevIOPoolSize)
}

func TestLoadIgnoresUnparsableIntOverride(t *testing.T) {
	t.Setenv("BDEV_IO_CACHE_SIZE", "not-a-number")
	opts := Load()
	assert.Equal(t, Defaults().BdevIOCacheSize, opts.BdevIOCacheSize)
}

func TestLoadAppliesBoolOverride(t *testing.T) {
	t.Setenv("NVMF_ZCOPY", "false")
	opts := Load()
	assert.False(t, opts.NvmfZcopy)
}

func TestLoadTreatsPresenceOfDontReadLabelsAsTrue(t *testing.T) {
	t.Setenv("NEXUS_DONT_READ_LABELS", "")
	opts := Load()
	assert.True(t, opts.NexusDontReadLabels)
}

func TestLoadWithNoEnvironmentMatchesDefaults(t *testing.T) {
	assert.Equal(t, Defaults(), Load())
}
