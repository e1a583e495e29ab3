package notifier

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// smtpRelay is a minimal ESMTP server that requires STARTTLS before AUTH.
type smtpRelay struct {
	ln  net.Listener
	tls *tls.Config

	mu        sync.Mutex
	startTLS  bool
	authedTLS bool
	auth      string
	from      string
	rcpt      []string
	data      string
}

func newSMTPRelay(t *testing.T) (*smtpRelay, *tls.Config) {
	t.Helper()
	ts := httptest.NewUnstartedServer(http.NotFoundHandler())
	ts.StartTLS()
	t.Cleanup(ts.Close)

	pool := x509.NewCertPool()
	pool.AddCert(ts.Certificate())
	clientTLS := &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	r := &smtpRelay{ln: ln, tls: &tls.Config{Certificates: ts.TLS.Certificates}}
	go r.serve()
	return r, clientTLS
}

func (r *smtpRelay) port() int { return r.ln.Addr().(*net.TCPAddr).Port }

func (r *smtpRelay) serve() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		go r.session(conn)
	}
}

func (r *smtpRelay) session(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	rd := bufio.NewReader(conn)
	reply := func(s string) { conn.Write([]byte(s + "\r\n")) }
	secure := false

	reply("220 relay.test ESMTP")
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb := strings.ToUpper(strings.Fields(line + " x")[0])

		switch verb {
		case "EHLO", "HELO":
			if secure {
				reply("250-relay.test\r\n250-8BITMIME\r\n250 AUTH PLAIN")
			} else {
				reply("250-relay.test\r\n250-8BITMIME\r\n250 STARTTLS")
			}
		case "STARTTLS":
			reply("220 2.0.0 ready to start TLS")
			tlsConn := tls.Server(conn, r.tls)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			conn, rd, secure = tlsConn, bufio.NewReader(tlsConn), true
			r.mu.Lock()
			r.startTLS = true
			r.mu.Unlock()
		case "AUTH":
			parts := strings.Fields(line)
			if !secure || len(parts) < 3 || strings.ToUpper(parts[1]) != "PLAIN" {
				reply("530 5.7.0 must issue STARTTLS first")
				continue
			}
			raw, _ := base64.StdEncoding.DecodeString(parts[2])
			r.mu.Lock()
			r.auth, r.authedTLS = string(raw), secure
			r.mu.Unlock()
			reply("235 2.7.0 authentication successful")
		case "MAIL":
			r.mu.Lock()
			r.from = line
			r.mu.Unlock()
			reply("250 2.1.0 ok")
		case "RCPT":
			r.mu.Lock()
			r.rcpt = append(r.rcpt, line)
			r.mu.Unlock()
			reply("250 2.1.5 ok")
		case "DATA":
			reply("354 end data with <CR><LF>.<CR><LF>")
			var b strings.Builder
			for {
				l, err := rd.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			r.mu.Lock()
			r.data = b.String()
			r.mu.Unlock()
			reply("250 2.0.0 queued")
		case "QUIT":
			reply("221 2.0.0 bye")
			return
		default:
			reply("250 2.0.0 ok")
		}
	}
}

func TestSMTPMailer_Send(t *testing.T) {
	relay, clientTLS := newSMTPRelay(t)

	m := NewSMTPMailer(SMTPConfig{
		Host:      "127.0.0.1",
		Port:      relay.port(),
		Username:  "alerts@example.com",
		Password:  "app-password",
		From:      "alerts@example.com",
		FromName:  "Red Day DCA",
		Timeout:   5 * time.Second,
		TLSConfig: clientTLS,
	})
	err := m.Send(context.Background(), Email{
		To:      "broker@example.com",
		ToName:  "Alex",
		Subject: "BUY ORDER - Red Day DCA Trigger #1 of 15",
		Text:    "Please buy LINK 666.67",
		HTML:    "<p>Please buy <b>LINK</b> 666.67</p>",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	relay.mu.Lock()
	defer relay.mu.Unlock()
	if !relay.startTLS || !relay.authedTLS {
		t.Error("expected STARTTLS before authentication")
	}
	if relay.auth != "\x00alerts@example.com\x00app-password" {
		t.Errorf("PLAIN credentials = %q", relay.auth)
	}
	if !strings.Contains(relay.from, "<alerts@example.com>") {
		t.Errorf("MAIL FROM = %q", relay.from)
	}
	if len(relay.rcpt) != 1 || !strings.Contains(relay.rcpt[0], "<broker@example.com>") {
		t.Errorf("RCPT TO = %v", relay.rcpt)
	}
	for _, want := range []string{
		"Subject: BUY ORDER - Red Day DCA Trigger #1 of 15",
		"multipart/alternative",
		"text/plain",
		"text/html",
		"Please buy LINK 666.67",
	} {
		if !strings.Contains(relay.data, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSMTPMailer_RejectsPlaintextRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		rd := bufio.NewReader(conn)
		conn.Write([]byte("220 relay.test ESMTP\r\n"))
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(strings.ToUpper(line), "EHLO") {
				conn.Write([]byte("250-relay.test\r\n250 AUTH PLAIN\r\n"))
				continue
			}
			conn.Write([]byte("250 ok\r\n"))
		}
	}()

	m := NewSMTPMailer(SMTPConfig{
		Host:     "127.0.0.1",
		Port:     ln.Addr().(*net.TCPAddr).Port,
		From:     "alerts@example.com",
		Password: "app-password",
		Timeout:  2 * time.Second,
	})
	if err := m.Send(context.Background(), Email{To: "broker@example.com", Subject: "x", Text: "x"}); err == nil {
		t.Fatal("expected failure when the relay does not offer STARTTLS")
	}
}
