package link

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nasa-jpl/cncmotion/settings"
	"github.com/nasa-jpl/cncmotion/system"
)

func TestCleanLineUppercasesAndStripsComments(t *testing.T) {
	l := cleanLine("g1x10 (rapid to start) y0 ; trailing note")
	if l.Text != "G1X10Y0" {
		t.Fatalf("cleanLine = %q", l.Text)
	}
	if l.IsJog {
		t.Fatalf("expected IsJog = false")
	}
}

func TestCleanLineMarksBlockDeleteForDrop(t *testing.T) {
	l := cleanLine("/g1x10")
	if !l.Dropped {
		t.Fatalf("expected Dropped = true for a '/'-prefixed line")
	}
}

func TestCleanLineDetectsJog(t *testing.T) {
	l := cleanLine("$J=G91X10F500")
	if !l.IsJog {
		t.Fatalf("expected IsJog = true for %q", l.Text)
	}
}

func newTestExecutor() *system.Executor {
	return system.NewExecutor(settings.New(settings.Default()))
}

func TestHandleRealtimeInterceptsReset(t *testing.T) {
	exec := newTestExecutor()
	l := New(exec, func() (io.ReadWriteCloser, error) { return nil, nil })
	if !l.handleRealtime(RTReset) {
		t.Fatalf("expected RTReset to be intercepted")
	}
	if err := exec.PollRealtime(); err != system.ErrReset {
		t.Fatalf("PollRealtime() = %v, want ErrReset", err)
	}
}

func TestHandleRealtimeIgnoresOrdinaryBytes(t *testing.T) {
	exec := newTestExecutor()
	l := New(exec, func() (io.ReadWriteCloser, error) { return nil, nil })
	if l.handleRealtime('G') {
		t.Fatalf("ordinary byte 'G' should not be intercepted")
	}
}

func TestRunAssemblesLinesOverPipe(t *testing.T) {
	server, client := net.Pipe()
	exec := newTestExecutor()
	l := New(exec, func() (io.ReadWriteCloser, error) { return server, nil })

	go l.Run()

	go func() {
		client.Write([]byte("g1x10y0f100\n"))
	}()

	select {
	case line := <-l.Lines:
		if line.Text != "G1X10Y0F100" {
			t.Errorf("assembled line = %q", line.Text)
		}
	case <-time.After(time.Second):
		t.Fatalf("no line assembled within timeout")
	}
	l.Close()
	client.Close()
}

// TestRunDropsBlockDeleteLines confirms a '/'-prefixed line never reaches
// l.Lines and still gets an immediate "ok", per spec.md section 6.
func TestRunDropsBlockDeleteLines(t *testing.T) {
	server, client := net.Pipe()
	exec := newTestExecutor()
	l := New(exec, func() (io.ReadWriteCloser, error) { return server, nil })

	go l.Run()

	reader := bufio.NewReader(client)
	go func() {
		client.Write([]byte("/g1x10y0f100\n"))
	}()

	respDone := make(chan string, 1)
	go func() {
		got, _ := reader.ReadString('\n')
		respDone <- got
	}()

	select {
	case got := <-respDone:
		if got != "ok\r\n" {
			t.Fatalf("response for dropped line = %q, want \"ok\\r\\n\"", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("no response for dropped line within timeout")
	}

	select {
	case line := <-l.Lines:
		t.Fatalf("block-deleted line reached l.Lines: %+v", line)
	case <-time.After(50 * time.Millisecond):
	}

	l.Close()
	client.Close()
}

func TestWriteResponseOkAndAlarm(t *testing.T) {
	server, client := net.Pipe()
	exec := newTestExecutor()
	l := New(exec, func() (io.ReadWriteCloser, error) { return server, nil })
	if err := l.open(); err != nil {
		t.Fatalf("open: %v", err)
	}

	reader := bufio.NewReader(client)
	go l.WriteResponse(nil)
	got, err := reader.ReadString('\n')
	if err != nil || got != "ok\r\n" {
		t.Fatalf("WriteResponse(nil) wrote %q, err %v", got, err)
	}

	go l.WriteAlarm(1)
	got, err = reader.ReadString('\n')
	if err != nil || got != "ALARM:1\r\n" {
		t.Fatalf("WriteAlarm(1) wrote %q, err %v", got, err)
	}

	l.Close()
	client.Close()
}
