package ingress

import (
	"bufio"
	"context"
	"net"
	"testing"
)

func serveManagementOnPipe(t *testing.T, srv *ManagementServer) net.Conn {
	t.Helper()
	a, b := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.handleConn(ctx, b)
	return a
}

func TestManagementServerSummary(t *testing.T) {
	router := &fakeRouter{}
	srv := NewManagementServer(router, nil, "v1.2.3", testLogger())
	conn := serveManagementOnPipe(t, srv)

	w := bufio.NewWriter(conn)
	w.WriteString("summary\r\n")
	w.Flush()

	r := bufio.NewReader(conn)
	line, _ := readLine(r)
	if line != "summary-body" {
		t.Fatalf("reply = %q, want summary-body", line)
	}
}

func TestManagementServerSessions(t *testing.T) {
	router := &fakeRouter{}
	srv := NewManagementServer(router, nil, "v1.2.3", testLogger())
	conn := serveManagementOnPipe(t, srv)

	w := bufio.NewWriter(conn)
	w.WriteString("sessions\r\n")
	w.Flush()

	r := bufio.NewReader(conn)
	line, _ := readLine(r)
	if line != "sessions-body" {
		t.Fatalf("reply = %q, want sessions-body", line)
	}
}

func TestManagementServerVersion(t *testing.T) {
	router := &fakeRouter{}
	srv := NewManagementServer(router, nil, "v1.2.3", testLogger())
	conn := serveManagementOnPipe(t, srv)

	w := bufio.NewWriter(conn)
	w.WriteString("version\r\n")
	w.Flush()

	r := bufio.NewReader(conn)
	line, _ := readLine(r)
	if line != "v1.2.3" {
		t.Fatalf("reply = %q, want v1.2.3", line)
	}
}

func TestManagementServerUnknownCommand(t *testing.T) {
	router := &fakeRouter{}
	srv := NewManagementServer(router, nil, "v1.2.3", testLogger())
	conn := serveManagementOnPipe(t, srv)

	w := bufio.NewWriter(conn)
	w.WriteString("bogus\r\n")
	w.Flush()

	r := bufio.NewReader(conn)
	line, _ := readLine(r)
	if line != "error" {
		t.Fatalf("reply = %q, want error", line)
	}
}

func TestManagementServerQuitClosesConnection(t *testing.T) {
	router := &fakeRouter{}
	srv := NewManagementServer(router, nil, "v1.2.3", testLogger())
	conn := serveManagementOnPipe(t, srv)

	w := bufio.NewWriter(conn)
	w.WriteString("quit\r\n")
	w.Flush()

	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	if err == nil {
		t.Fatal("expected connection to be closed after quit")
	}
}
