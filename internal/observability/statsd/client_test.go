package statsd

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestSanitizePrefix(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"  knime_audit  ": "knime_audit",
		"..foo..":         "foo",
		".":               "",
		"":                "",
	}

	for input, want := range tests {
		if got := sanitizePrefix(input); got != want {
			t.Fatalf("sanitizePrefix(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNormalizeMetricName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		" job/stage ":      "job_stage",
		"foo..bar":         "foo.bar",
		"archive|filter":   "archive_filter",
		"outbox:pending#1": "outbox_pending_1",
		"   ":              "",
	}

	for input, want := range tests {
		if got := normalizeMetricName(input); got != want {
			t.Fatalf("normalizeMetricName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestFormatTags(t *testing.T) {
	t.Parallel()

	global := map[string]string{
		"env": "prod",
		//nolint:gocritic // whitespace is part of the test case
		" service ": " knime-audit ",
	}
	local := map[string]string{
		"stage": " archive ",
		"":      "ignored",
		"env":   "stage",
		"error": "a,b|c",
		"bare":  "",
	}

	got := formatTags(global, local)
	want := "|#bare,env:stage,error:a_b_c,service:knime-audit,stage:archive"
	if got != want {
		t.Fatalf("formatTags mismatch\n got: %q\nwant: %q", got, want)
	}

	if got := formatTags(nil, nil); got != "" {
		t.Fatalf("formatTags(nil, nil) = %q, want empty string", got)
	}
}

func listenUDP(t *testing.T) net.PacketConn {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func readPacket(t *testing.T, pc net.PacketConn) string {
	t.Helper()
	buf := make([]byte, 64*1024)
	if err := pc.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("deadline: %v", err)
	}
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read packet: %v", err)
	}
	return string(buf[:n])
}

func TestClientBatchesLinesUntilFlush(t *testing.T) {
	t.Parallel()

	pc := listenUDP(t)
	client, err := NewClient(Config{
		Enabled:       true,
		Address:       pc.LocalAddr().String(),
		Prefix:        "knime_audit",
		GlobalTags:    map[string]string{"env": "test"},
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	defer client.Close()

	client.Count("job.outcome", 1, map[string]string{"status": "delivered"})
	client.Gauge("outbox.pending", 3, nil)
	client.Timing("job.duration", 1500*time.Millisecond, nil)
	client.Flush()

	got := readPacket(t, pc)
	want := strings.Join([]string{
		"knime_audit.job.outcome:1|c|#env:test,status:delivered",
		"knime_audit.outbox.pending:3|g|#env:test",
		"knime_audit.job.duration:1500|ms|#env:test",
	}, "\n")
	if got != want {
		t.Fatalf("packet mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestClientSplitsAtPacketSize(t *testing.T) {
	t.Parallel()

	pc := listenUDP(t)
	client, err := NewClient(Config{
		Enabled:       true,
		Address:       pc.LocalAddr().String(),
		MaxPacketSize: 40,
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	defer client.Close()

	client.Count("tailer.lines.read", 10, nil)
	client.Count("tailer.lines.matched", 2, nil)

	if got := readPacket(t, pc); got != "tailer.lines.read:10|c" {
		t.Fatalf("first packet = %q", got)
	}
	client.Flush()
	if got := readPacket(t, pc); got != "tailer.lines.matched:2|c" {
		t.Fatalf("second packet = %q", got)
	}
}

func TestClientCloseFlushes(t *testing.T) {
	t.Parallel()

	pc := listenUDP(t)
	client, err := NewClient(Config{Enabled: true, Address: pc.LocalAddr().String(), FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if !client.Enabled() {
		t.Fatal("expected client.Enabled to report true with active connection")
	}

	client.Count("queue.blocked_enqueues", 1, nil)
	if err := client.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if got := readPacket(t, pc); got != "queue.blocked_enqueues:1|c" {
		t.Fatalf("packet = %q", got)
	}
	if client.Enabled() {
		t.Fatal("expected client.Enabled to report false after Close")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close (second call) error: %v", err)
	}

	// Metrics after Close are dropped without panicking.
	client.Count("job.outcome", 1, nil)

	var nilClient *Client
	if nilClient.Enabled() {
		t.Fatal("nil client should report disabled")
	}
	nilClient.Count("job.outcome", 1, nil)
	if err := nilClient.Close(); err != nil {
		t.Fatalf("nil client Close error: %v", err)
	}
}

func TestNewClientDisabledWithoutAddress(t *testing.T) {
	t.Parallel()

	client, err := NewClient(Config{Enabled: true, Address: "   "})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if client.Enabled() {
		t.Fatal("expected client to stay disabled when address is empty")
	}
	client.Count("job.outcome", 1, nil)
	if err := client.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestNewClientDialError(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{Enabled: true, Address: "bad address"})
	if err == nil {
		t.Fatal("expected NewClient to error for invalid address")
	}
	if !strings.Contains(err.Error(), "statsd dial") {
		t.Fatalf("unexpected error: %v", err)
	}
}
