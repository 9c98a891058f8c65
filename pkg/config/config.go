// Package config reads the runtime tuning knobs from the environment, the
// way a real storage-runtime preflight would before hugepages and I/O
// buffer pools are sized. Loading itself is ambient plumbing external to
// the data-plane proper: cmd/ionexus loads Options at startup and logs
// them; no package consults them for pool sizing or queue depths.
package config

import (
	"os"
	"strconv"
)

// Options holds the §6 configurable knobs, one field per environment
// variable, already parsed with their documented defaults applied.
type Options struct {
	BdevIOPoolSize         int
	BdevIOCacheSize        int
	NvmfTCPMaxQueueDepth   int
	NvmfTCPMaxQpairsPerCtl int
	NvmfTCPNumSharedBuf    int
	NvmfTCPBufCacheSize    int
	NvmfZcopy              bool
	NvmfAcceptorPollRateUs int
	NvmeTimeoutUs          int
	NvmeTimeoutAdminUs     int
	NvmeKatoMs             int
	NvmeRetryCount         int
	NvmeBdevRetryCount     int
	SockRecvBufSize        int
	SockSendBufSize        int
	IobufSmallPoolCount    int
	IobufLargePoolCount    int
	IobufSmallBufSize      int
	IobufLargeBufSize      int
	NexusDontReadLabels    bool
}

// Defaults returns the §6 documented default values.
func Defaults() Options {
	return Options{
		BdevIOPoolSize:         65535,
		BdevIOCacheSize:        512,
		NvmfTCPMaxQueueDepth:   32,
		NvmfTCPMaxQpairsPerCtl: 32,
		NvmfTCPNumSharedBuf:    2048,
		NvmfTCPBufCacheSize:    64,
		NvmfZcopy:              true,
		NvmfAcceptorPollRateUs: 10000,
		NvmeTimeoutUs:          5000000,
		NvmeTimeoutAdminUs:     5000000,
		NvmeKatoMs:             1000,
		NvmeRetryCount:         0,
		NvmeBdevRetryCount:     0,
		SockRecvBufSize:        2 * 1024 * 1024,
		SockSendBufSize:        2 * 1024 * 1024,
		IobufSmallPoolCount:    8192,
		IobufLargePoolCount:    1024,
		IobufSmallBufSize:      8 * 1024,
		IobufLargeBufSize:      132 * 1024,
		NexusDontReadLabels:    false,
	}
}

// Load applies environment-variable overrides to Defaults().
func Load() Options {
	opts := Defaults()
	intVar(&opts.BdevIOPoolSize, "BDEV_IO_POOL_SIZE")
	intVar(&opts.BdevIOCacheSize, "BDEV_IO_CACHE_SIZE")
	intVar(&opts.NvmfTCPMaxQueueDepth, "NVMF_TCP_MAX_QUEUE_DEPTH")
	intVar(&opts.NvmfTCPMaxQpairsPerCtl, "NVMF_TCP_MAX_QPAIRS_PER_CTRL")
	intVar(&opts.NvmfTCPNumSharedBuf, "NVMF_TCP_NUM_SHARED_BUF")
	intVar(&opts.NvmfTCPBufCacheSize, "NVMF_TCP_BUF_CACHE_SIZE")
	boolVar(&opts.NvmfZcopy, "NVMF_ZCOPY")
	intVar(&opts.NvmfAcceptorPollRateUs, "NVMF_ACCEPTOR_POLL_RATE")
	intVar(&opts.NvmeTimeoutUs, "NVME_TIMEOUT_US")
	intVar(&opts.NvmeTimeoutAdminUs, "NVME_TIMEOUT_ADMIN_US")
	intVar(&opts.NvmeKatoMs, "NVME_KATO_MS")
	intVar(&opts.NvmeRetryCount, "NVME_RETRY_COUNT")
	intVar(&opts.NvmeBdevRetryCount, "NVME_BDEV_RETRY_COUNT")
	intVar(&opts.SockRecvBufSize, "SOCK_RECV_BUF_SIZE")
	intVar(&opts.SockSendBufSize, "SOCK_SEND_BUF_SIZE")
	intVar(&opts.IobufSmallPoolCount, "IOBUF_SMALL_POOL_COUNT")
	intVar(&opts.IobufLargePoolCount, "IOBUF_LARGE_POOL_COUNT")
	intVar(&opts.IobufSmallBufSize, "IOBUF_SMALL_BUFSIZE")
	intVar(&opts.IobufLargeBufSize, "IOBUF_LARGE_BUFSIZE")
	if _, present := os.LookupEnv("NEXUS_DONT_READ_LABELS"); present {
		opts.NexusDontReadLabels = true
	}
	return opts
}

func intVar(dst *int, name string) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func boolVar(dst *bool, name string) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}
