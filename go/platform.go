package shm

// ShmHandle represents a handle to a shared memory object.
// (File Descriptor on Linux, File Mapping Handle on Windows).
type ShmHandle uintptr

// Region is a named shared memory region mapped into this process.
type Region struct {
	// Name is the object name the region was created or opened with.
	Name string
	// Mem is the mapped memory. It is invalid after Close.
	Mem []byte

	handle ShmHandle
	path   string
}

// CreateShm creates a new named shared memory region of size bytes and
// runs init over its memory before returning.
//
// Parameters:
//   - dir: Directory for the backing object (POSIX only).
//   - name: Unique name for the region.
//   - size: Size in bytes.
//   - init: Optional initializer; a failure removes the region again.
//
// Returns an error wrapping fs.ErrExist if the region already exists.
func CreateShm(dir, name string, size int, init func(mem []byte) error) (*Region, error) {
	return createShm(dir, name, size, init)
}

// OpenShm opens an existing named shared memory region and maps its first
// size bytes.
//
// Returns an error wrapping fs.ErrNotExist if there is no such region, or
// ErrNotReady if it is smaller than size.
func OpenShm(dir, name string, size int) (*Region, error) {
	return openShm(dir, name, size)
}

// Close unmaps and closes the region. The named object itself survives.
func (r *Region) Close() error {
	return closeShm(r)
}

// UnlinkShm removes the named region. Existing mappings stay valid.
func UnlinkShm(dir, name string) error {
	return unlinkShm(dir, name)
}

// CreateSemaphore creates a new named counting semaphore with the given
// initial count. Returns an error wrapping fs.ErrExist if it already exists.
func CreateSemaphore(dir, name string, initial uint32) (*NamedSemaphore, error) {
	return createSemaphore(dir, name, initial)
}

// OpenSemaphore opens an existing named semaphore.
func OpenSemaphore(dir, name string) (*NamedSemaphore, error) {
	return openSemaphore(dir, name)
}

// UnlinkSemaphore removes the named semaphore. Open handles stay valid.
func UnlinkSemaphore(dir, name string) error {
	return unlinkSemaphore(dir, name)
}
