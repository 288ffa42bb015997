package ouroborosstream

import (
	"fmt"
	"sync/atomic"
	"time"
)

// StartOperationCounter logs encrypt/decrypt operations per interval
// until stop is closed. Best effort; it never touches the data path.
func (e *Engine) StartOperationCounter(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var lastEnc, lastDec uint64
		for {
			select {
			case <-ticker.C:
				enc := atomic.LoadUint64(&e.encryptCounter)
				dec := atomic.LoadUint64(&e.decryptCounter)
				e.config.Logger.Infof("Stream operations: encrypts=%d decrypts=%d", enc-lastEnc, dec-lastDec)
				lastEnc, lastDec = enc, dec
			case <-stop:
				return
			}
		}
	}()
}

// formatBytes returns a human-readable byte size.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
