package phx

import "time"

// defaultReconnectAfter is the socket's default transport-reconnect
// backoff table: 10,50,100,150,200,250,500,1000,2000ms then 5s.
func defaultReconnectAfter(tries int) time.Duration {
	table := []time.Duration{
		10 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		150 * time.Millisecond,
		200 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		1000 * time.Millisecond,
		2000 * time.Millisecond,
	}
	if tries <= 0 {
		return table[0]
	}
	if tries-1 < len(table) {
		return table[tries-1]
	}
	return 5 * time.Second
}

// defaultRejoinAfter is the channel's default rejoin backoff table:
// 1s,2s,5s then 10s.
func defaultRejoinAfter(tries int) time.Duration {
	table := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		5 * time.Second,
	}
	if tries <= 0 {
		return table[0]
	}
	if tries-1 < len(table) {
		return table[tries-1]
	}
	return 10 * time.Second
}
