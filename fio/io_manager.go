package fio

// IOManager can be custom in options
type IOManager interface {
	// Read fills buf from offset
	Read([]byte, int64) (int, error)
	// Write writes data at offset, appends and in-place scrubs both go through it
	Write([]byte, int64) (int, error)
	Size() (int64, error)
	Truncate(int64) error
	Sync() error
	Close() error
}

// SequentialAdviser is implemented by managers that can hint the kernel about a full scan.
type SequentialAdviser interface {
	AdviseSequential() error
}
