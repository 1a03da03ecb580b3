package model

import "time"

// Flags describe what a record means to the index.
type Flags uint8

const (
	FlagPut Flags = 1 << iota
	FlagDelete
	FlagTTLUpdate
	// FlagHardDeleted is only ever set by the scrubber, the payload of such a record is zeroed.
	FlagHardDeleted
)

func (f Flags) IsPut() bool         { return f&FlagPut != 0 }
func (f Flags) IsDelete() bool      { return f&FlagDelete != 0 }
func (f Flags) IsTTLUpdate() bool   { return f&FlagTTLUpdate != 0 }
func (f Flags) IsHardDeleted() bool { return f&FlagHardDeleted != 0 }

func (f Flags) String() string {
	switch {
	case f.IsHardDeleted():
		return "hard-deleted"
	case f.IsDelete():
		return "delete"
	case f.IsTTLUpdate():
		return "ttl-update"
	case f.IsPut():
		return "put"
	}
	return "unknown"
}

// RecordHeader is the fixed-width prefix of every record in a segment.
type RecordHeader struct {
	Crc           uint32
	Flags         Flags
	Seq           uint64
	OperationTime int64 // unix millis
	ExpiresAt     int64 // unix millis, 0 means never
	KeySize       uint32
	ValueSize     uint32
}

// Record is one entry of the log
type Record struct {
	Crc           uint32
	Flags         Flags
	Seq           uint64
	OperationTime int64
	ExpiresAt     int64
	Key           []byte
	Value         []byte
}

func (r *Record) Header() *RecordHeader {
	return &RecordHeader{
		Crc:           r.Crc,
		Flags:         r.Flags,
		Seq:           r.Seq,
		OperationTime: r.OperationTime,
		ExpiresAt:     r.ExpiresAt,
		KeySize:       uint32(len(r.Key)),
		ValueSize:     uint32(len(r.Value)),
	}
}

// IsExpired reports whether an expiration in unix millis has passed at now.
func IsExpired(expiresAt int64, now time.Time) bool {
	return expiresAt > 0 && now.UnixMilli() >= expiresAt
}
