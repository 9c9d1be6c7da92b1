package util

import (
    "crypto/rand"
    "encoding/binary"
    "fmt"
)

func UUID64() uint64 {
    randomBytes := make([]byte, 8)
    rand.Read(randomBytes)

    return binary.BigEndian.Uint64(randomBytes[:8])
}

func RandomString() string {
    randomBytes := make([]byte, 16)
    rand.Read(randomBytes)

    high := binary.BigEndian.Uint64(randomBytes[:8])
    low := binary.BigEndian.Uint64(randomBytes[8:])

    return fmt.Sprintf("%05x%05x", high, low)
}
