package shm

import (
	"encoding/hex"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// MaxObjectName bounds the length of any generated object name. Linux
// limits a path component to 255 bytes and the semaphore file adds a
// "sem." prefix, so longer names are folded into a digest.
const MaxObjectName = 200

// digestLen is the number of hex characters kept from the name digest.
const digestLen = 32

// Object name suffixes for the channel's named resources. Every object,
// the region included, carries one, so the objects of two channels never
// share a name: "x.lock" is channel x's lock and channel "x.lock" owns
// "x.lock.region".
const (
	suffixRegion = "region"
	suffixEmpty  = "empty"
	suffixFull   = "full"
	suffixMutex  = "mutex"
	suffixLock   = "lock"
)

// ObjectName joins parts with "." and shortens the result when it would
// exceed MaxObjectName. Shortened names keep a readable prefix followed by
// a blake2b digest of the full name, so distinct long names stay distinct.
func ObjectName(parts ...string) string {
	name := strings.Join(parts, ".")
	if len(name) <= MaxObjectName {
		return name
	}
	sum := blake2b.Sum256([]byte(name))
	keep := MaxObjectName - digestLen - 1
	return name[:keep] + "-" + hex.EncodeToString(sum[:])[:digestLen]
}

// objectNames lists every named object belonging to a channel.
type objectNames struct {
	Region string
	Empty  string
	Full   string
	Mutex  string
	Lock   string
}

func namesFor(channel string) objectNames {
	return objectNames{
		Region: ObjectName(channel, suffixRegion),
		Empty:  ObjectName(channel, suffixEmpty),
		Full:   ObjectName(channel, suffixFull),
		Mutex:  ObjectName(channel, suffixMutex),
		Lock:   ObjectName(channel, suffixLock),
	}
}

// DefaultDir returns the directory used for POSIX shared objects: /dev/shm
// when present, the system temp dir otherwise. It is ignored on Windows.
func DefaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}
