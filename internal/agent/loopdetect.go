package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// loopDetector spots an agent repeating the identical (tool, args) pair.
// After warnAfter silent repeats the next call gets a loop-breaker message;
// once the streak reaches failAfter the run fails with LoopDetected. A repeat
// that also returns the identical result counts double: no new information
// means the loop is tighter than the raw call count shows.
type loopDetector struct {
	warnAfter int
	failAfter int

	lastKey    string
	lastResult string
	count      int
	warned     bool
}

func newLoopDetector(warnAfter, failAfter int) *loopDetector {
	if warnAfter <= 0 {
		warnAfter = 3
	}
	if failAfter <= warnAfter {
		failAfter = warnAfter * 2
	}
	return &loopDetector{warnAfter: warnAfter, failAfter: failAfter}
}

func actionKey(tool string, args map[string]any) string {
	// json.Marshal sorts map keys, so equal args hash equally.
	data, _ := json.Marshal(args)
	sum := sha256.Sum256(append([]byte(tool+"\x00"), data...))
	return hex.EncodeToString(sum[:8])
}

// verdicts from record.
const (
	loopOK   = ""
	loopWarn = "warn"
	loopFail = "fail"
)

// record notes one dispatched call and returns the verdict. The breaker
// fires on the first call past warnAfter repeats; the failure threshold is
// the streak count itself.
func (d *loopDetector) record(tool string, args map[string]any) string {
	key := actionKey(tool, args)
	if key == d.lastKey {
		d.count++
	} else {
		d.lastKey = key
		d.lastResult = ""
		d.count = 1
		d.warned = false
	}
	switch {
	case d.count >= d.failAfter:
		return loopFail
	case d.count > d.warnAfter && !d.warned:
		d.warned = true
		return loopWarn
	}
	return loopOK
}

// recordResult notes the executed call's output for the current streak; an
// identical result on a repeated call bumps the streak a second time.
func (d *loopDetector) recordResult(result string) {
	sum := sha256.Sum256([]byte(result))
	hashed := hex.EncodeToString(sum[:8])
	if d.count > 1 && hashed == d.lastResult {
		d.count++
	}
	d.lastResult = hashed
}
