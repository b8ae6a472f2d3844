package memsys

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// MakeBuilderFromEnv returns a Builder with defaults overridden from the
// process environment. A .env file in the working directory is loaded
// first if present. Recognized variables:
//
//	AXPMEM_CAPACITY                    physical memory size in bytes
//	AXPMEM_LOG2_PAGE_SIZE              page size as a power of 2
//	AXPMEM_TLB_NUM_SETS                sets per TLB partition
//	AXPMEM_TLB_NUM_WAYS                ways per TLB set
//	AXPMEM_RESERVATION_GRANULE         LL/SC granule in bytes
//	AXPMEM_BARRIER_QUEUE_CAP           barrier queue capacity
//	AXPMEM_TRAP_BARRIER_TIMEOUT_MS     trap barrier bounded wait
//	AXPMEM_MEMORY_BARRIER_TIMEOUT_MS   memory barrier bounded wait
//	AXPMEM_WRITE_BARRIER_TIMEOUT_MS    write barrier bounded wait
//	AXPMEM_EXCEPTION_BARRIER_TIMEOUT_MS exception barrier bounded wait
//
// Absent variables leave the builder defaults untouched.
func MakeBuilderFromEnv() Builder {
	_ = godotenv.Load()

	b := MakeBuilder()
	b.capacity = envUint64("AXPMEM_CAPACITY", b.capacity)
	b.log2PageSize = envUint64("AXPMEM_LOG2_PAGE_SIZE", b.log2PageSize)
	b.tlbNumSets = envInt("AXPMEM_TLB_NUM_SETS", b.tlbNumSets)
	b.tlbNumWays = envInt("AXPMEM_TLB_NUM_WAYS", b.tlbNumWays)
	b.granule = envUint64("AXPMEM_RESERVATION_GRANULE", b.granule)
	b.barrierQueueCap = envInt("AXPMEM_BARRIER_QUEUE_CAP", b.barrierQueueCap)
	b.trapTimeout = envDurationMS(
		"AXPMEM_TRAP_BARRIER_TIMEOUT_MS", b.trapTimeout)
	b.memoryTimeout = envDurationMS(
		"AXPMEM_MEMORY_BARRIER_TIMEOUT_MS", b.memoryTimeout)
	b.writeTimeout = envDurationMS(
		"AXPMEM_WRITE_BARRIER_TIMEOUT_MS", b.writeTimeout)
	b.exceptionTimeout = envDurationMS(
		"AXPMEM_EXCEPTION_BARRIER_TIMEOUT_MS", b.exceptionTimeout)

	return b
}

func envUint64(name string, fallback uint64) uint64 {
	s := os.Getenv(name)
	if s == "" {
		return fallback
	}

	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		log.Printf("ignoring %s=%q: %v", name, s, err)
		return fallback
	}

	return v
}

func envInt(name string, fallback int) int {
	s := os.Getenv(name)
	if s == "" {
		return fallback
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		log.Printf("ignoring %s=%q: %v", name, s, err)
		return fallback
	}

	return v
}

func envDurationMS(name string, fallback time.Duration) time.Duration {
	ms := envInt(name, -1)
	if ms < 0 {
		return fallback
	}

	return time.Duration(ms) * time.Millisecond
}
