package server

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
)

// BenchmarkConcurrentManufacture posts manufacture calls from parallel
// workers, each using its own SKU range.
func BenchmarkConcurrentManufacture(b *testing.B) {
	ts := newServer(b)
	var next atomic.Uint64
	var failed atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			sku := next.Add(1)
			body := fmt.Sprintf(`{"sku":%d,"name":"bench","price":1}`, sku)
			resp, err := http.Post(ts.URL+"/items", "application/json", strings.NewReader(body))
			if err != nil {
				failed.Add(1)
				continue
			}
			if resp.StatusCode != http.StatusCreated {
				failed.Add(1)
			}
			resp.Body.Close()
		}
	})
	b.StopTimer()

	if n := failed.Load(); n > 0 {
		b.Fatalf("%d of %d requests failed", n, b.N)
	}
}
