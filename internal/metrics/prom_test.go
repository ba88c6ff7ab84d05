package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	SetBuildInfo("1.0.0", "abc", "2024-01-01")
	SetPeerConnected(true)
	RecordPeerConnection("unauthorized")
	RecordCall("checkAuth", "success", 100*time.Millisecond)
	RecordCall("checkAuth", "timeout", time.Second)
	SetPendingCalls(3)
	RecordStaleResult()
	RecordUploadChunk(true)
	RecordUpload("zhihu", 300, true)
	RecordUpload("zhihu", 10, false)

	if v := testutil.ToFloat64(buildInfo.WithLabelValues("2024-01-01", "abc", "1.0.0")); v != 1 {
		t.Fatalf("build info: %v", v)
	}
	if v := testutil.ToFloat64(peerConnected); v != 1 {
		t.Fatalf("peer connected: %v", v)
	}
	if v := testutil.ToFloat64(peerConnections.WithLabelValues("unauthorized")); v != 1 {
		t.Fatalf("peer connections: %v", v)
	}
	if v := testutil.ToFloat64(calls.WithLabelValues("checkAuth", "success")); v != 1 {
		t.Fatalf("calls: %v", v)
	}
	if v := testutil.ToFloat64(calls.WithLabelValues("checkAuth", "timeout")); v != 1 {
		t.Fatalf("timeouts: %v", v)
	}
	if v := testutil.ToFloat64(pendingCalls); v != 3 {
		t.Fatalf("pending: %v", v)
	}
	if v := testutil.ToFloat64(staleResults); v != 1 {
		t.Fatalf("stale: %v", v)
	}
	if v := testutil.ToFloat64(uploadBytes.WithLabelValues("zhihu")); v != 300 {
		t.Fatalf("upload bytes: %v", v)
	}
	if v := testutil.ToFloat64(uploads.WithLabelValues("error")); v != 1 {
		t.Fatalf("failed uploads: %v", v)
	}
	SetPeerConnected(false)
	if v := testutil.ToFloat64(peerConnected); v != 0 {
		t.Fatalf("peer connected after disconnect: %v", v)
	}
}
