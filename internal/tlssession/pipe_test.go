package tlssession

import (
	"bytes"
	"testing"
	"time"
)

func TestByteQueueBlockingReadUnblocksOnPush(t *testing.T) {
	q := newByteQueue()
	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := q.blockingRead(buf)
		if err != nil {
			t.Error(err)
			return
		}
		done <- buf[:n]
	}()

	time.Sleep(10 * time.Millisecond)
	q.push([]byte("hi"))

	select {
	case got := <-done:
		if !bytes.Equal(got, []byte("hi")) {
			t.Fatalf("got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("blockingRead never unblocked")
	}
}

func TestByteQueueBlockingReadReturnsEOFOnClose(t *testing.T) {
	q := newByteQueue()
	done := make(chan error, 1)
	go func() {
		_, err := q.blockingRead(make([]byte, 16))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.close()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected EOF, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("blockingRead never unblocked on close")
	}
}

func TestByteQueueTryReadNonBlocking(t *testing.T) {
	q := newByteQueue()
	if _, ok := q.tryRead(make([]byte, 4)); ok {
		t.Fatal("expected no data")
	}
	q.push([]byte("abcd"))
	buf := make([]byte, 4)
	n, ok := q.tryRead(buf)
	if !ok || !bytes.Equal(buf[:n], []byte("abcd")) {
		t.Fatalf("tryRead = %v, %v, %q", n, ok, buf[:n])
	}
}

func TestWireConnPumpsBothDirections(t *testing.T) {
	w := &wireConn{inbound: newByteQueue(), outbound: newByteQueue()}

	if _, err := w.Write([]byte("outgoing")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 32)
	n, ok := w.outbound.tryRead(buf)
	if !ok || !bytes.Equal(buf[:n], []byte("outgoing")) {
		t.Fatalf("outbound = %v, %q", ok, buf[:n])
	}

	w.inbound.push([]byte("incoming"))
	n, err := w.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], []byte("incoming")) {
		t.Fatalf("Read = %q", buf[:n])
	}
}
