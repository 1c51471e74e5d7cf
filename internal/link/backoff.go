package link

import "time"

// Backoff 第 retry 次重试前的等待时间：base * 2^retry，上限 max（retry 从 0 开始）
func Backoff(retry int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if retry < 0 {
		retry = 0
	}
	d := base
	for i := 0; i < retry; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
