package model

import "fmt"

// Location addresses a record inside the log.
type Location struct {
	SegmentID uint32
	Offset    int64
}

func (l Location) IsZero() bool {
	return l.SegmentID == 0 && l.Offset == 0
}

func (l Location) String() string {
	return fmt.Sprintf("%d:%d", l.SegmentID, l.Offset)
}

// IndexValue is the latest known state of a key.
type IndexValue struct {
	Location      Location
	Size          uint32 // full record size on disk
	Flags         Flags
	ExpiresAt     int64
	OperationTime int64
	Seq           uint64

	// Original points to the deleted predecessor of a tombstone, zero otherwise.
	Original     Location
	OriginalSize uint32
}

func (v IndexValue) IsDeleted() bool {
	return v.Flags.IsDelete()
}
