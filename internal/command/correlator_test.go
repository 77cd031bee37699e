package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/muurk/loxclient/internal/lxerr"
	"github.com/muurk/loxclient/internal/protocol"
)

// sendAsync starts Send in a goroutine and waits until the command is
// registered.
func sendAsync(t *testing.T, c *Correlator, ctx context.Context, original, encrypted string, timeout time.Duration) <-chan result {
	t.Helper()
	out := make(chan result, 1)
	sent := make(chan struct{})
	go func() {
		msg, err := c.Send(ctx, original, encrypted, timeout, func() error {
			close(sent)
			return nil
		})
		out <- result{msg: msg, err: err}
	}()
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("transmit was not called")
	}
	return out
}

func wait(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return")
		return result{}
	}
}

func TestResolveMatches(t *testing.T) {
	tests := []struct {
		name      string
		original  string
		encrypted string
		key       string
		want      bool
	}{
		{"exact", "jdev/sys/getkey2/admin", "", "jdev/sys/getkey2/admin", true},
		{"jdev echoed as dev", "jdev/sys/getkey2/admin", "", "dev/sys/getkey2/admin", true},
		{"dev sent, jdev echoed", "dev/sps/io/x/on", "", "jdev/sps/io/x/on", true},
		{"encrypted form", "jdev/sys/getjwt/h/u", "jdev/sys/enc/ab%2Bcd%3D", "jdev/sys/enc/ab+cd=", true},
		{"encrypted form as dev", "jdev/sys/getjwt/h/u", "jdev/sys/enc/ab%2Bcd%3D", "dev/sys/enc/ab+cd=", true},
		{"only prefix rewritten", "jdev/sys/jdev/x", "", "dev/sys/dev/x", false},
		{"unrelated", "jdev/sys/getkey2/admin", "", "jdev/sys/getkey2/other", false},
		{"keepalive", "keepalive", "", "keepalive", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCorrelator()
			ch := sendAsync(t, c, context.Background(), tt.original, tt.encrypted, time.Second)

			msg := protocol.ParseTextMessage(`{"LL":{"control":"x","value":"1","Code":"200"}}`)
			if got := c.Resolve(tt.key, msg); got != tt.want {
				t.Fatalf("Resolve(%q) = %v, want %v", tt.key, got, tt.want)
			}
			if !tt.want {
				c.RejectAll("test done")
				wait(t, ch)
				return
			}
			r := wait(t, ch)
			if r.err != nil || r.msg != msg {
				t.Errorf("Send() = %v, %v; want resolved message", r.msg, r.err)
			}
			if c.Len() != 0 {
				t.Errorf("Len() = %d after resolve, want 0", c.Len())
			}
		})
	}
}

func TestResolveFirstMatchOnly(t *testing.T) {
	c := NewCorrelator()
	first := sendAsync(t, c, context.Background(), "jdev/sps/io/a/on", "", time.Second)
	second := sendAsync(t, c, context.Background(), "jdev/sps/io/a/on", "", time.Second)
	other := sendAsync(t, c, context.Background(), "jdev/sps/io/b/on", "", time.Second)

	msg := protocol.ParseTextMessage("ok")
	if !c.Resolve("dev/sps/io/a/on", msg) {
		t.Fatal("Resolve() = false")
	}
	if r := wait(t, first); r.msg != msg {
		t.Errorf("first pending got %v", r.msg)
	}
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}

	c.RejectAll("teardown")
	for _, ch := range []<-chan result{second, other} {
		if r := wait(t, ch); !errors.Is(r.err, lxerr.ErrConnectionClosed) {
			t.Errorf("pending after teardown error = %v, want connection closed", r.err)
		}
	}
}

func TestSendTimeout(t *testing.T) {
	c := NewCorrelator()
	start := time.Now()
	_, err := c.Send(context.Background(), "keepalive", "", 30*time.Millisecond, func() error { return nil })
	if !errors.Is(err, lxerr.ErrCommandTimeout) {
		t.Fatalf("Send() error = %v, want command timeout", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("timed out after %s, before the deadline", elapsed)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after timeout, want 0", c.Len())
	}
	if c.Resolve("keepalive", protocol.NewHeader(protocol.TypeKeepalive, 0)) {
		t.Error("late response resolved a timed out command")
	}
}

func TestSendTransmitError(t *testing.T) {
	c := NewCorrelator()
	boom := errors.New("socket gone")
	_, err := c.Send(context.Background(), "keepalive", "", time.Second, func() error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Send() error = %v, want %v", err, boom)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after transmit failure, want 0", c.Len())
	}
}

func TestSendContextCancel(t *testing.T) {
	c := NewCorrelator()
	ctx, cancel := context.WithCancel(context.Background())
	ch := sendAsync(t, c, ctx, "jdev/sys/getkey2/admin", "", time.Minute)
	cancel()

	if r := wait(t, ch); !errors.Is(r.err, context.Canceled) {
		t.Errorf("Send() error = %v, want context.Canceled", r.err)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after cancel, want 0", c.Len())
	}
}

func TestResolveAndTimeoutRace(t *testing.T) {
	for i := 0; i < 200; i++ {
		c := NewCorrelator()
		var wg sync.WaitGroup
		var got result
		sent := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := c.Send(context.Background(), "cmd", "", time.Millisecond, func() error {
				close(sent)
				return nil
			})
			got = result{msg: msg, err: err}
		}()
		<-sent
		time.Sleep(time.Duration(i%3) * 500 * time.Microsecond)
		resolved := c.Resolve("cmd", protocol.ParseTextMessage("ok"))
		wg.Wait()

		if resolved && got.err != nil {
			t.Fatalf("iteration %d: resolved but Send() returned %v", i, got.err)
		}
		if !resolved && !errors.Is(got.err, lxerr.ErrCommandTimeout) {
			t.Fatalf("iteration %d: unresolved but Send() returned %v", i, got.err)
		}
	}
}
