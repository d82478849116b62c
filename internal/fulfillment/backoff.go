package fulfillment

import (
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// exponential возвращает base * 2^attempt с защитой от переполнения.
func exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return base * time.Duration(multiplier)
}

// backoffDelay — экспоненциальная задержка с «равным» джиттером:
// половина задержки фиксирована, половина случайна. Ограничена сверху capDelay.
func backoffDelay(base, capDelay time.Duration, attempt int) time.Duration {
	d := exponential(base, attempt)
	if capDelay > 0 && d > capDelay {
		d = capDelay
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int64N(int64(half)+1))
}
