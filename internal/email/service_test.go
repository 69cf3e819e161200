package email

import (
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
				From: "test@example.com",
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
				From: "test@example.com",
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

func TestRenderModerationTemplate(t *testing.T) {
	html, err := renderTemplate(moderationNoticeTemplate, ModerationNoticeData{
		AppName:      "Community Board",
		UserName:     "Test <User>",
		Action:       "delete",
		ContentLabel: "message",
		ContentTitle: "hello there",
		Reason:       "Spam",
	})
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}
	if !strings.Contains(html, "Test &lt;User&gt;") {
		t.Error("template should escape the user name")
	}
	if !strings.Contains(html, "Spam") || !strings.Contains(html, "hello there") {
		t.Error("template should contain reason and content title")
	}
}

func TestSendModerationNotice(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com", Port: "587", From: "mod@example.com", FromName: "Mods"})

	var gotAddr string
	var gotTo []string
	var gotMsg string
	svc.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	err := svc.SendModerationNotice("author@example.com", ModerationNoticeData{
		UserName: "Ana", Action: "delete", ContentLabel: "message", ContentTitle: "hi", Reason: "Spam",
	})
	if err != nil {
		t.Fatalf("SendModerationNotice() error = %v", err)
	}
	if gotAddr != "smtp.example.com:587" {
		t.Fatalf("addr = %q", gotAddr)
	}
	if len(gotTo) != 1 || gotTo[0] != "author@example.com" {
		t.Fatalf("to = %v", gotTo)
	}
	for _, want := range []string{"From: Mods <mod@example.com>", "Subject: Your message was moderated", "Reason: Spam"} {
		if !strings.Contains(gotMsg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSendRequiresConfiguration(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.SendHTMLEmail([]string{"a@example.com"}, "s", "t", "h"); err == nil {
		t.Fatal("expected error for unconfigured service")
	}
}
