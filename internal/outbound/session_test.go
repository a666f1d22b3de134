package outbound

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/infodancer/smtpd/internal/queue"
)

// fakeServer plays the remote MX side of the connection: it reads command
// lines and responds according to a caller-supplied script, recording every
// line it received for assertions.
type fakeServer struct {
	received []string
}

func (f *fakeServer) run(conn net.Conn, script func(cmd string) (string, bool)) {
	defer conn.Close()
	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)

	write := func(s string) {
		w.WriteString(s + "\r\n")
		w.Flush()
	}

	write("220 mx.example.com ESMTP ready")

	inData := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if inData {
			// Dot-stuffed body lines carry no reply until the terminating
			// "." — only that line drives the script.
			if line != "." {
				continue
			}
			inData = false
		}
		f.received = append(f.received, line)

		if strings.HasPrefix(strings.ToUpper(line), "BDAT") {
			// consume the raw bytes that follow the BDAT line.
			var size int
			fmt.Sscanf(line, "BDAT %d", &size)
			buf := make([]byte, size)
			io_readFull(r, buf)
		}

		resp, quit := script(line)
		write(resp)
		if strings.HasPrefix(strings.ToUpper(line), "DATA") && strings.HasPrefix(resp, "354") {
			inData = true
		}
		if quit {
			return
		}
	}
}

func io_readFull(r *bufio.Reader, buf []byte) {
	read := 0
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if err != nil {
			break
		}
	}
}

func newTestMessage(returnPath string, recipients ...string) *queue.Message {
	msg := &queue.Message{ReturnPath: returnPath}
	for _, addr := range recipients {
		msg.Recipients = append(msg.Recipients, queue.Recipient{Address: addr})
	}
	msg.SetBodyOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("Subject: hi\r\n\r\nbody\r\n")), nil
	})
	return msg
}

func TestDeliverSMTPAllOrNothingAccepts(t *testing.T) {
	client, server := net.Pipe()
	fs := &fakeServer{}
	done := make(chan struct{})
	go func() {
		fs.run(server, func(cmd string) (string, bool) {
			switch {
			case strings.HasPrefix(cmd, "EHLO"):
				return "250-mx.example.com\r\n250 SIZE 1000000", false
			case strings.HasPrefix(cmd, "MAIL FROM"):
				return "250 2.1.0 OK", false
			case strings.HasPrefix(cmd, "RCPT TO"):
				return "250 2.1.5 OK", false
			case strings.HasPrefix(cmd, "DATA"):
				return "354 go ahead", false
			case cmd == ".":
				return "250 2.0.0 accepted", false
			case strings.HasPrefix(cmd, "QUIT"):
				return "221 bye", true
			default:
				return "500 unrecognized", false
			}
		})
		close(done)
	}()

	sess := NewSession(client, Options{Protocol: ProtocolSMTP, HeloDomain: "client.example.org"})
	msg := newTestMessage("alice@example.org", "bob@example.com", "carol@example.com")

	outcome, err := sess.Deliver(context.Background(), msg)
	<-done
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v, want Completed", outcome)
	}
	for _, r := range msg.Recipients {
		if r.Status != queue.StatusCompleted {
			t.Errorf("recipient %s status = %v, want Completed", r.Address, r.Status)
		}
	}

	var sawBobRcpt, sawCarolRcpt bool
	for _, line := range fs.received {
		if line == "RCPT TO:<bob@example.com>" {
			sawBobRcpt = true
		}
		if line == "RCPT TO:<carol@example.com>" {
			sawCarolRcpt = true
		}
		// Regression check for the original_source RCPT-TO-uses-return-path
		// anomaly: the command must never address the envelope sender.
		if strings.Contains(line, "RCPT TO:<alice@example.org>") {
			t.Fatalf("RCPT TO incorrectly addressed the return path: %q", line)
		}
	}
	if !sawBobRcpt || !sawCarolRcpt {
		t.Fatalf("expected RCPT TO for both recipients, got %v", fs.received)
	}
}

func TestDeliverSMTPNonOKRevertsToScheduled(t *testing.T) {
	client, server := net.Pipe()
	fs := &fakeServer{}
	done := make(chan struct{})
	go func() {
		fs.run(server, func(cmd string) (string, bool) {
			switch {
			case strings.HasPrefix(cmd, "EHLO"):
				return "250 mx.example.com", false
			case strings.HasPrefix(cmd, "MAIL FROM"):
				return "250 2.1.0 OK", false
			case strings.HasPrefix(cmd, "RCPT TO"):
				return "250 2.1.5 OK", false
			case strings.HasPrefix(cmd, "DATA"):
				return "354 go ahead", false
			case cmd == ".":
				return "451 4.3.0 try again later", false
			case strings.HasPrefix(cmd, "QUIT"):
				return "221 bye", true
			default:
				return "500 unrecognized", false
			}
		})
		close(done)
	}()

	sess := NewSession(client, Options{Protocol: ProtocolSMTP, HeloDomain: "client.example.org"})
	msg := newTestMessage("alice@example.org", "bob@example.com")

	outcome, err := sess.Deliver(context.Background(), msg)
	<-done
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if outcome != OutcomeScheduled {
		t.Fatalf("outcome = %v, want Scheduled", outcome)
	}
	if msg.Recipients[0].Status != queue.StatusScheduled {
		t.Fatalf("recipient status = %v, want Scheduled (not a failure status)", msg.Recipients[0].Status)
	}
}
