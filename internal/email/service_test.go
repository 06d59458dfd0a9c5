package email

import (
	"errors"
	"net/smtp"
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "threads@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "threads@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "threads@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestRenderThreadNotificationTemplateEscapesBody(t *testing.T) {
	html, err := renderTemplate(threadNotificationTemplate, ThreadNotificationData{
		AppName:       "Threadline",
		RecipientName: "Carol",
		ThreadTitle:   "Order #1042 proofs",
		Headline:      "Ben mentioned you",
		Body:          "<script>alert(1)</script> can you check the proof?",
		ThreadURL:     "https://app.example.com/threads/thr_1",
	})
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	for _, want := range []string{"Carol", "Order #1042 proofs", "Ben mentioned you", "https://app.example.com/threads/thr_1"} {
		if !strings.Contains(html, want) {
			t.Errorf("template should contain %q", want)
		}
	}
	if strings.Contains(html, "<script>") {
		t.Error("message body must be escaped")
	}
}

func TestSendThreadNotificationBuildsMessage(t *testing.T) {
	svc := NewService(Config{
		Host:     "smtp.example.com",
		Port:     "587",
		From:     "threads@example.com",
		FromName: "Threadline",
		AppURL:   "https://app.example.com/",
	})

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	err := svc.SendThreadNotification("carol@example.com", ThreadNotificationData{
		ThreadTitle: "Order #1042\r\nBcc: attacker@example.com",
		Headline:    "New reply",
		Body:        "Proof approved.",
	})
	if err != nil {
		t.Fatalf("SendThreadNotification failed: %v", err)
	}

	if gotAddr != "smtp.example.com:587" {
		t.Fatalf("addr = %q", gotAddr)
	}
	if gotFrom != "threads@example.com" {
		t.Fatalf("from = %q", gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "carol@example.com" {
		t.Fatalf("to = %v", gotTo)
	}
	msg := string(gotMsg)
	if !strings.Contains(msg, "Subject: [Order #1042  Bcc: attacker@example.com] New reply\r\n") {
		t.Fatalf("subject header not sanitized:\n%s", msg)
	}
	headers, _, _ := strings.Cut(msg, "\r\n\r\n")
	if strings.Contains(headers, "\r\nBcc:") {
		t.Fatal("header injection survived")
	}
	if !strings.Contains(msg, "https://app.example.com") {
		t.Fatal("expected thread link from app url")
	}
	if !strings.Contains(msg, "From: Threadline <threads@example.com>") {
		t.Fatal("expected display name in From header")
	}
}

func TestSendHTMLEmailRequiresConfiguration(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.SendHTMLEmail([]string{"a@example.com"}, "s", "t", "<p>h</p>"); err == nil {
		t.Fatal("expected error for unconfigured service")
	}
}

func TestSendHTMLEmailWrapsTransportError(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com", Port: "25", From: "threads@example.com"})
	svc.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}
	err := svc.SendHTMLEmail([]string{"a@example.com"}, "s", "t", "<p>h</p>")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}
