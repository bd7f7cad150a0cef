package observ

import (
	"encoding/json"
	"fmt"
	"time"
)

// Log emits one JSON object per line to stdout. Every event carries ts
// and event keys; callers add whatever context they have.
func Log(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["event"] = event
	b, _ := json.Marshal(kv)
	fmt.Println(string(b))
}

// Critical logs an event that needs manual attention (unknown P&L,
// position with no broker record). Same stream, severity=critical so
// downstream consumers can filter.
func Critical(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["severity"] = "critical"
	Log(event, kv)
}
