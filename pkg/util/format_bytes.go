package util

import (
	"math"
	"strconv"
)

var byteUnits = []string{"Bytes", "KB", "MB", "GB", "TB"}

// FormatBytes renders a byte count as "{value} {unit}" using base 1024
// scaling. Trailing zeros of the value are dropped so 10 GiB renders as
// "10 GB". A negative precision is treated as 0.
func FormatBytes(bytes int64, decimals int) string {
	if bytes == 0 {
		return "0 Bytes"
	}

	if decimals < 0 {
		decimals = 0
	}

	neg := bytes < 0
	if neg {
		bytes = -bytes
	}

	i := 0
	for div := int64(1024); bytes >= div && i < len(byteUnits)-1; div <<= 10 {
		i++
	}

	value := float64(bytes) / math.Pow(1024, float64(i))
	scale := math.Pow(10, float64(decimals))
	value = math.Round(value*scale) / scale

	out := strconv.FormatFloat(value, 'f', -1, 64) + " " + byteUnits[i]
	if neg {
		return "-" + out
	}

	return out
}
