package delivery

import (
	"time"

	"github.com/blackmichael/tokrelay/internal/telegram"
)

const (
	mib = 1 << 20

	// assumedThroughput is the upload rate used to estimate transfer time.
	assumedThroughput = 512 * 1024

	smallFile  = 10 * mib
	mediumFile = 50 * mib
)

type timeoutClass struct {
	readFloor, writeFloor, connectFloor, poolFloor time.Duration
	readFrac, writeFrac, connectFrac, poolFrac     float64
}

var (
	smallClass = timeoutClass{
		readFloor: 30 * time.Second, writeFloor: 30 * time.Second,
		connectFloor: 15 * time.Second, poolFloor: 15 * time.Second,
		readFrac: 1.5, writeFrac: 1.5, connectFrac: 0.1, poolFrac: 0.1,
	}
	mediumClass = timeoutClass{
		readFloor: 60 * time.Second, writeFloor: 60 * time.Second,
		connectFloor: 20 * time.Second, poolFloor: 20 * time.Second,
		readFrac: 2, writeFrac: 2, connectFrac: 0.1, poolFrac: 0.1,
	}
	largeClass = timeoutClass{
		readFloor: 120 * time.Second, writeFloor: 120 * time.Second,
		connectFloor: 30 * time.Second, poolFloor: 30 * time.Second,
		readFrac: 2.5, writeFrac: 2.5, connectFrac: 0.1, poolFrac: 0.1,
	}
)

// TimeoutsFor sizes the per-call timeouts for a transfer of size bytes.
func TimeoutsFor(size int64) telegram.Timeouts {
	if size < 0 {
		size = 0
	}
	estimate := time.Duration(float64(size) / assumedThroughput * float64(time.Second))

	class := largeClass
	switch {
	case size < smallFile:
		class = smallClass
	case size < mediumFile:
		class = mediumClass
	}

	scale := func(floor time.Duration, frac float64) time.Duration {
		return floor + time.Duration(frac*float64(estimate))
	}
	return telegram.Timeouts{
		Connect: scale(class.connectFloor, class.connectFrac),
		Read:    scale(class.readFloor, class.readFrac),
		Write:   scale(class.writeFloor, class.writeFrac),
		Pool:    scale(class.poolFloor, class.poolFrac),
	}
}
