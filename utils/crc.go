package utils

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// GenerateCrc is the CRC-32C of data. Records, index files and the manifest all use it.
func GenerateCrc(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

func CheckCrc(crc uint32, data []byte) bool {
	return GenerateCrc(data) == crc
}
